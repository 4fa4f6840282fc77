package orchestrator

import (
	"context"
	"errors"
)

// systemUser — кто остановил шаг, если отмена пришла не от пользователя
// (завершение процесса, отмена родительского контекста).
const systemUser = "system"

// StopRequest — причина отмены: остановка пользователем.
type StopRequest struct {
	User string
}

func (r *StopRequest) Error() string {
	return "stopped by " + r.User
}

// Cancellation — токен кооперативной отмены с информацией о том, кто остановил.
//
// Токен run порождает токены шагов: остановка run останавливает все шаги,
// остановка шага не трогает остальные.
type Cancellation struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewCancellation создаёт токен, отменяемый вместе с parent.
func NewCancellation(parent context.Context) *Cancellation {
	ctx, cancel := context.WithCancelCause(parent)
	return &Cancellation{ctx: ctx, cancel: cancel}
}

// Context возвращает контекст, который отменяется при остановке.
func (c *Cancellation) Context() context.Context {
	return c.ctx
}

// Child создаёт дочерний токен.
func (c *Cancellation) Child() *Cancellation {
	return NewCancellation(c.ctx)
}

// Stop запрашивает остановку от имени user. Повторные вызовы ничего не меняют.
func (c *Cancellation) Stop(user string) {
	if user == "" {
		user = systemUser
	}
	c.cancel(&StopRequest{User: user})
}

// Requested возвращает true, если остановка уже запрошена.
func (c *Cancellation) Requested() bool {
	return c.ctx.Err() != nil
}

// StoppedBy возвращает, кто запросил остановку ("" — остановки не было).
func (c *Cancellation) StoppedBy() string {
	if c.ctx.Err() == nil {
		return ""
	}
	var stop *StopRequest
	if errors.As(context.Cause(c.ctx), &stop) {
		return stop.User
	}
	return systemUser
}

// release освобождает ресурсы контекста, не помечая остановку пользователем.
func (c *Cancellation) release() {
	c.cancel(context.Canceled)
}
