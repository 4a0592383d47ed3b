package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/identity"
	"github.com/helixdesk/cortex/internal/pipeline"
	"github.com/helixdesk/cortex/internal/retrieval"
	"github.com/helixdesk/cortex/internal/tenant"
	"github.com/helixdesk/cortex/pkg/types"
)

const (
	wsReadLimit    = 256 * 1024
	wsWriteTimeout = 10 * time.Second

	// historyDepth caps the conversation window replayed to the LLM.
	historyDepth = 20
)

// handleChat upgrades to a websocket and serves the bidirectional chat
// protocol. Authentication happens before the upgrade so invalid tokens get a
// clean 401 instead of a dropped socket.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	profile, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	sess := &chatSession{
		server:         s,
		conn:           conn,
		profile:        profile,
		principal:      principal,
		sessionID:      orNewID(r.URL.Query().Get("session")),
		conversationID: orNewID(r.URL.Query().Get("conversation")),
	}
	sess.run(r.Context())
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}

// chatSession is one websocket connection's state: the authenticated caller,
// the rolling conversation history, and the in-flight query, if any.
type chatSession struct {
	server    *Server
	conn      *websocket.Conn
	profile   tenant.Profile
	principal identity.Principal

	sessionID      string
	conversationID string

	writeMu sync.Mutex

	mu      sync.Mutex
	history []types.Message
	cancel  context.CancelCauseFunc
	inQuery bool
}

// run is the session read loop. It returns when the client disconnects; any
// in-flight query is cancelled on the way out.
func (sess *chatSession) run(ctx context.Context) {
	defer sess.conn.CloseNow()
	defer sess.cancelInFlight()

	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, sess.conn, &frame); err != nil {
			return
		}

		switch frame.Type {
		case frameMessage:
			sess.onMessage(ctx, frame)

		case frameCancel:
			sess.cancelInFlight()

		case frameVoiceStart, frameVoiceChunk, frameVoiceStop:
			// Speech-to-text is not provisioned; tell the client to fall back
			// to typing instead of silently eating the audio.
			sess.send(ctx, errorFrame("stt_unavailable", "voice input is not available"))

		default:
			sess.send(ctx, errorFrame("bad_frame", "unknown frame type"))
		}
	}
}

func (sess *chatSession) onMessage(ctx context.Context, frame inboundFrame) {
	if frame.Content == "" {
		sess.send(ctx, errorFrame("bad_frame", "empty message"))
		return
	}

	key := sess.principal.TenantID + "\x00" + sess.principal.UserID
	if !sess.server.userLimits.Allow(key) {
		sess.send(ctx, errorFrame("rate_limited", "slow down"))
		return
	}

	sess.mu.Lock()
	if sess.inQuery {
		sess.mu.Unlock()
		sess.send(ctx, errorFrame("busy", "previous query still streaming"))
		return
	}
	qctx, cancel := context.WithCancelCause(ctx)
	sess.inQuery = true
	sess.cancel = cancel
	history := append([]types.Message{}, sess.history...)
	sess.mu.Unlock()

	go sess.runQuery(ctx, qctx, frame, history)
}

func (sess *chatSession) runQuery(ctx, qctx context.Context, frame inboundFrame, history []types.Message) {
	q := pipeline.Query{
		Principal:      sess.principal,
		Tenant:         sess.profile,
		SessionID:      sess.sessionID,
		ConversationID: sess.conversationID,
		Text:           frame.Content,
		DeptOverride:   frame.Department,
		History:        history,
	}

	outcome, err := sess.server.runner.HandleQuery(qctx, q, &wsSink{sess: sess, ctx: ctx})

	sess.mu.Lock()
	sess.inQuery = false
	sess.cancel = nil
	if err == nil {
		sess.history = append(sess.history,
			types.Message{Role: "user", Content: frame.Content},
			types.Message{Role: "assistant", Content: outcome.Response},
		)
		if len(sess.history) > historyDepth {
			sess.history = sess.history[len(sess.history)-historyDepth:]
		}
	}
	sess.mu.Unlock()

	switch {
	case err == nil, errors.Is(err, fault.ErrQueryCanceled):
		sess.send(ctx, doneFrame(outcome.QueryID, outcome.ElapsedMs))
	default:
		sess.send(ctx, errorFrame(fault.Code(err), "query failed"))
	}
}

func (sess *chatSession) cancelInFlight() {
	sess.mu.Lock()
	cancel := sess.cancel
	sess.mu.Unlock()
	if cancel != nil {
		cancel(fault.ErrQueryCanceled)
	}
}

// send serializes outbound writes; concurrent token frames and control-frame
// errors share one socket.
func (sess *chatSession) send(ctx context.Context, frame outboundFrame) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, sess.conn, frame); err != nil {
		sess.server.log.Debug("websocket write failed", "error", err)
	}
}

// wsSink adapts the session to the pipeline's output contract.
type wsSink struct {
	sess *chatSession
	ctx  context.Context
}

func (w *wsSink) Token(text string) {
	w.sess.send(w.ctx, tokenFrame(text))
}

func (w *wsSink) Trace(step string, data map[string]any) {
	w.sess.send(w.ctx, traceFrame(step, data))
}

func (w *wsSink) Citations(passages []retrieval.Passage) {
	w.sess.send(w.ctx, citationFrame(passages))
}
