package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/fedround/crypto"
)

// RequestType selects the kernel that serves a request.
type RequestType string

const (
	RequestUpdateModel  RequestType = "updateModel"
	RequestGetModel     RequestType = "getModel"
	RequestGetIteration RequestType = "getIteration"
)

// MessageHandler delivers a kernel's response to the client.
type MessageHandler interface {
	SendResponse(resp *Response) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(resp *Response) error

func (f MessageHandlerFunc) SendResponse(resp *Response) error {
	return f(resp)
}

// RoundKernel serves one request type. Launch always sends exactly one
// response through msg and returns the request error, if any.
type RoundKernel interface {
	Type() RequestType
	Launch(ctx context.Context, req []byte, msg MessageHandler) error
}

func errorResponse(err error, iteration uint64, next time.Time) *Response {
	status := StatusOf(err)
	return &Response{
		Code:            status.Code(),
		Status:          status,
		Reason:          err.Error(),
		NextRequestTime: next.UnixMilli(),
		Iteration:       iteration,
	}
}

// UpdateModelKernel admits client updates into the current iteration.
type UpdateModelKernel struct {
	coordinator *Coordinator
}

func NewUpdateModelKernel(coordinator *Coordinator) *UpdateModelKernel {
	return &UpdateModelKernel{coordinator: coordinator}
}

func (k *UpdateModelKernel) Type() RequestType {
	return RequestUpdateModel
}

func (k *UpdateModelKernel) Launch(ctx context.Context, req []byte, msg MessageHandler) error {
	update, err := UnmarshalMessage[ClientUpdate](req)
	if err != nil {
		kerr := wrapKernelError(StatusParseError, "decoding update", err)
		status := k.coordinator.Status()
		return errors.Join(kerr, msg.SendResponse(errorResponse(kerr, status.Iteration, time.Now())))
	}

	ack, err := k.coordinator.Submit(ctx, update)

	resp := &Response{
		Code:            ack.Status.Code(),
		Status:          ack.Status,
		NextRequestTime: ack.NextRequestTime.UnixMilli(),
		Iteration:       ack.Iteration,
		Count:           ack.Count,
	}
	if err != nil {
		resp.Reason = err.Error()
	}

	if sendErr := msg.SendResponse(resp); sendErr != nil {
		return errors.Join(err, sendErr)
	}
	return err
}

// GetModelKernel serves the latest published global model signed by the server.
type GetModelKernel struct {
	coordinator *Coordinator
	store       *ModelStore
	signingKey  crypto.PrivateKey
}

func NewGetModelKernel(coordinator *Coordinator, store *ModelStore, signingKey crypto.PrivateKey) *GetModelKernel {
	return &GetModelKernel{
		coordinator: coordinator,
		store:       store,
		signingKey:  signingKey,
	}
}

func (k *GetModelKernel) Type() RequestType {
	return RequestGetModel
}

func (k *GetModelKernel) Launch(_ context.Context, req []byte, msg MessageHandler) error {
	status := k.coordinator.Status()

	request := &GetModelRequest{}
	if len(req) > 0 {
		var err error
		if request, err = UnmarshalMessage[GetModelRequest](req); err != nil {
			kerr := wrapKernelError(StatusParseError, "decoding request", err)
			return errors.Join(kerr, msg.SendResponse(errorResponse(kerr, status.Iteration, time.Now())))
		}
	}

	latest, ok := k.store.Latest()
	if !ok || latest.Iteration < request.Iteration {
		var kerr *KernelError
		if ok {
			kerr = newKernelError(StatusNotReady, "latest model is from iteration %d", latest.Iteration)
		} else {
			kerr = newKernelError(StatusNotReady, "no model published yet")
		}
		return errors.Join(kerr, msg.SendResponse(errorResponse(kerr, status.Iteration, status.Deadline)))
	}

	signed, err := NewSigned(k.signingKey, latest.GlobalModel())
	if err != nil {
		kerr := wrapKernelError(StatusInternal, "signing model", err)
		return errors.Join(kerr, msg.SendResponse(errorResponse(kerr, status.Iteration, time.Now())))
	}

	return msg.SendResponse(&Response{
		Code:            CodeSucceed,
		Status:          StatusOK,
		NextRequestTime: status.Deadline.UnixMilli(),
		Iteration:       latest.Iteration,
		Model:           signed,
	})
}

// GetIterationKernel reports the iteration currently collecting updates.
type GetIterationKernel struct {
	coordinator *Coordinator
}

func NewGetIterationKernel(coordinator *Coordinator) *GetIterationKernel {
	return &GetIterationKernel{coordinator: coordinator}
}

func (k *GetIterationKernel) Type() RequestType {
	return RequestGetIteration
}

func (k *GetIterationKernel) Launch(_ context.Context, _ []byte, msg MessageHandler) error {
	status := k.coordinator.Status()
	return msg.SendResponse(&Response{
		Code:            CodeSucceed,
		Status:          StatusOK,
		NextRequestTime: status.Deadline.UnixMilli(),
		Iteration:       status.Iteration,
		Count:           status.Count,
		Round:           status,
	})
}

// Executor dispatches requests to kernels by request type.
type Executor struct {
	kernels map[RequestType]RoundKernel
}

// NewExecutor registers kernels. A later kernel replaces an earlier one of the same type.
func NewExecutor(kernels ...RoundKernel) *Executor {
	e := &Executor{kernels: make(map[RequestType]RoundKernel, len(kernels))}
	for _, k := range kernels {
		e.kernels[k.Type()] = k
	}
	return e
}

// Launch runs the kernel registered for reqType.
func (e *Executor) Launch(ctx context.Context, reqType RequestType, req []byte, msg MessageHandler) error {
	kernel, ok := e.kernels[reqType]
	if !ok {
		kerr := newKernelError(StatusParseError, "unknown request type %q", reqType)
		return errors.Join(kerr, msg.SendResponse(errorResponse(kerr, 0, time.Now())))
	}
	if err := kernel.Launch(ctx, req, msg); err != nil {
		return fmt.Errorf("%s: %w", reqType, err)
	}
	return nil
}
