/*
Package testutil provides fixtures for testing the round coordination
server.

# Configuration

	// Round config with a short window for tests
	config := testutil.NewTestConfig()

	// Customized
	config := testutil.NewTestConfig(
	    testutil.WithThreshold(5),
	    testutil.WithIterationWindow(time.Second),
	    testutil.WithExpiryPolicy(protocol.ExpiryFailIteration),
	)

# Clients

A TestClient holds an identity and a signing key and produces signed
updates:

	client := testutil.NewTestClient("device-1")
	update := client.Update(
	    testutil.WithDataSize(100),
	    testutil.WithFeatures(protocol.FeatureMap{"w": {1, 2}}),
	)

Updates are signed at time.Now unless WithSignedAt is given, which is how
stale tokens are produced:

	stale := client.Update(testutil.WithSignedAt(time.Now().Add(-61 * time.Second)))
*/
package testutil
