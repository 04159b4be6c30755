package spop

import "context"

// Handler is the one external boundary the session state machine
// exposes outward: given a NOTIFY's correlation pair and its messages,
// produce the actions to assemble into the matching ACK.
//
// ctx is cancelled if an ABORT arrives for this (streamID, frameID)
// before Handle returns; a Handler that wants responsive cancellation
// should select on ctx.Done(). A returned error does not tear down the
// session: the session logs the error and replies with an empty ACK.
// A Handler has no way to make the session close the connection; only
// the owner of the Session can do that, through Session.Close.
type Handler interface {
	Handle(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error)

func (f HandlerFunc) Handle(ctx context.Context, streamID, frameID uint64, messages MessageList) (ActionList, error) {
	return f(ctx, streamID, frameID, messages)
}
