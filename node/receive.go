package node

import (
	"fmt"
	"sync"

	nlerrors "github.com/vinayprograms/nodelink/errors"
	"github.com/vinayprograms/nodelink/message"
	"github.com/vinayprograms/nodelink/operation"
)

// listenAccepted is the result of a successful listen acknowledgement.
const listenAccepted = "OK"

// receive applies the protocol to one inbound message.
func (t *Transport) receive(m *message.Message) {
	if m.To != "" && m.To != t.nodeID {
		t.logger.Discarded("addressed to "+m.To, m.ID, string(m.Type))
		return
	}

	switch {
	case m.Type == message.TypeSignal:
		t.handleSignal(m)
	case m.Type == message.TypeUnlisten:
		// Checked before replies: unlisten also carries in_reply_to.
		t.handleUnlisten(m)
	case m.Body.InReplyTo != "":
		t.handleReply(m)
	case m.Type == message.TypeSelectAndGet:
		t.serveGet(m)
	case m.Type == message.TypeSelectAndListen:
		t.serveListen(m)
	default:
		t.logger.Warn("unknown_message_type", map[string]interface{}{
			"message_id":   m.ID,
			"message_type": string(m.Type),
			"from":         m.From,
		})
	}
}

func (t *Transport) handleSignal(m *message.Message) {
	t.mu.Lock()
	cb := t.signals[m.Body.InReplyTo]
	t.mu.Unlock()

	if cb == nil {
		t.logger.Discarded("no subscription "+m.Body.InReplyTo, m.ID, string(m.Type))
		return
	}
	if m.Body.Error != "" {
		t.logger.Warn("signal_error", map[string]interface{}{
			"subscription": m.Body.InReplyTo,
			"error":        m.Body.Error,
		})
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("signal_callback_panic", map[string]interface{}{
				"subscription": m.Body.InReplyTo,
				"error":        nlerrors.RecoverPanic(rec),
			})
		}
	}()
	cb(m.Body.CallbackThis, m.Body.CallbackArgs)
}

func (t *Transport) handleReply(m *message.Message) {
	id := m.Body.InReplyTo

	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	stale := !ok && t.stale.Contains(id)
	t.mu.Unlock()

	if !ok {
		if stale {
			t.logger.Warn("stale_reply", map[string]interface{}{
				"in_reply_to":  id,
				"message_type": string(m.Type),
			})
		} else {
			t.logger.Discarded("no pending request "+id, m.ID, string(m.Type))
		}
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	switch {
	case !message.IsReplyType(m.Type):
		p.future.reject(nlerrors.Protocol("unknown message type: "+string(m.Type),
			nlerrors.WithMessageID(id), nlerrors.WithNodeID(m.From)))
	case m.Body.Error != "":
		p.future.reject(replyError(m))
	default:
		p.future.resolve(m.Body.Result)
		if p.onAck != nil {
			p.onAck()
		}
	}
}

// replyError turns an error reply into the error the caller sees.
func replyError(m *message.Message) *nlerrors.Error {
	code := nlerrors.ErrCodeRemoteExecution
	if m.Body.Error == nlerrors.ErrCodeRouting.Description() {
		code = nlerrors.ErrCodeRouting
	}
	return nlerrors.New(code, fmt.Sprintf("%s error: %s", m.Type, m.Body.Error),
		nlerrors.WithMessageID(m.Body.InReplyTo),
		nlerrors.WithNodeID(m.From),
	)
}

// serveGet runs an inbound select_and_get and sends exactly one reply.
func (t *Transport) serveGet(m *message.Message) {
	body := message.Body{}
	if m.Body.Operation == nil {
		body.Error = "select_and_get: operation is mandatory"
	} else if result, err := t.registry.Get(t.ctx, *m.Body.Operation); err != nil {
		body.Error = err.Error()
	} else {
		body.Result = t.normalize(result)
	}

	reply := message.NewReply(message.TypeSelectAndGetReply, t.nodeID, m, body)
	if _, err := reply.Marshal(); err != nil {
		reply.Body.Result = nil
		reply.Body.Error = "result cannot be serialized: " + err.Error()
	}
	t.reply(reply)
}

// serveListen sets up an inbound subscription. The acknowledgement goes out
// once, on the first of: setup failure, first event, setup success. Every
// event is then sent as a signal.
func (t *Transport) serveListen(m *message.Message) {
	var (
		ackMu sync.Mutex
		acked bool
	)
	ack := func(errText string) {
		ackMu.Lock()
		defer ackMu.Unlock()
		if acked {
			return
		}
		acked = true

		body := message.Body{Result: listenAccepted}
		if errText != "" {
			body = message.Body{Error: errText}
		}
		t.reply(message.NewReply(message.TypeSelectAndListenReply, t.nodeID, m, body))
	}

	if m.Body.Operation == nil {
		ack("select_and_listen: operation is mandatory")
		return
	}

	emit := func(this any, args ...any) {
		if t.isReleased() {
			return
		}
		ack("")
		sig := message.New(message.TypeSignal, t.nodeID, m.From, message.Body{
			InReplyTo:    m.ID,
			CallbackThis: t.normalize(this),
			CallbackArgs: t.normalizeArgs(args),
		})
		t.reply(sig)
	}

	stop, err := t.registry.Listen(t.ctx, *m.Body.Operation, m.Body.Method, m.Body.Options, emit)
	if err != nil {
		ack(err.Error())
		return
	}

	key := inboundKey(m.From, m.ID)
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		stop()
		return
	}
	t.inbound[key] = stop
	t.mu.Unlock()

	ack("")
}

func (t *Transport) handleUnlisten(m *message.Message) {
	key := inboundKey(m.From, m.Body.InReplyTo)

	t.mu.Lock()
	stop, ok := t.inbound[key]
	delete(t.inbound, key)
	t.mu.Unlock()

	if !ok {
		t.logger.Discarded("no inbound subscription "+m.Body.InReplyTo, m.ID, string(m.Type))
		return
	}
	stop()
	t.logger.Debug("unlistened", map[string]interface{}{
		"subscription": m.Body.InReplyTo,
		"from":         m.From,
	})
}

// inboundKey scopes subscription ids by subscriber, so one node cannot
// cancel another node's subscription.
func inboundKey(from, id string) string {
	return from + "\x00" + id
}

func (t *Transport) isReleased() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}

// normalize replaces locatable values with pointers to them on this node.
func (t *Transport) normalize(v any) any {
	switch x := v.(type) {
	case operation.Locatable:
		kind, locator := x.Locate()
		return message.Pointer{
			RemoteNodeID:  t.nodeID,
			RemoteType:    kind,
			RemoteLocator: locator,
		}
	case []any:
		return t.normalizeArgs(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = t.normalize(e)
		}
		return out
	default:
		return v
	}
}

func (t *Transport) normalizeArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = t.normalize(a)
	}
	return out
}
