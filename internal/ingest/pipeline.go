package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/pulserelay/internal/observability"
	"github.com/agentworkforce/pulserelay/internal/userstate"
	"github.com/agentworkforce/pulserelay/internal/webhook"
)

type Stage string

const (
	StageReceived     Stage = "received"
	StageVerified     Stage = "verified"
	StageNormalized   Stage = "normalized"
	StageApplied      Stage = "applied"
	StageBroadcast    Stage = "broadcast"
	StageAcknowledged Stage = "acknowledged"
	StageRejected     Stage = "rejected"
	StageFailed       Stage = "failed"
)

const (
	CodeAcknowledged     = "acknowledged"
	CodeMissingSignature = "missing_signature"
	CodeInvalidSignature = "invalid_signature"
	CodeIgnoredEventType = "ignored_event_type"
	CodeMalformedPayload = "malformed_payload"
	CodeApplyFailed      = "apply_failed"
)

// Outcome is the terminal result of one delivery. Status is the HTTP status
// the provider should receive.
type Outcome struct {
	Stage     Stage
	Trace     []Stage
	Status    int
	Code      string
	Message   string
	Event     *webhook.Event
	State     *userstate.UserState
	Delivered int
}

// UpdateMessage is pushed to every session joined to the event's user.
type UpdateMessage struct {
	Type    string                   `json:"type"`
	UserID  string                   `json:"userId"`
	Event   webhook.Event            `json:"event"`
	State   userstate.UserState      `json:"state"`
	Derived userstate.DerivedMetrics `json:"derived"`
}

type StateApplier interface {
	Apply(ctx context.Context, event webhook.Event) (userstate.UserState, error)
}

type Broadcaster interface {
	Broadcast(userID string, msg []byte) int
}

type Options struct {
	Secret      webhook.SecretSource
	Normalizer  *webhook.Normalizer
	Store       StateApplier
	Broadcaster Broadcaster
	Logger      *zap.Logger
	Now         func() time.Time
}

// Pipeline runs a webhook delivery through verify, normalize, apply and
// broadcast. It is safe for concurrent use.
type Pipeline struct {
	secret      webhook.SecretSource
	normalizer  *webhook.Normalizer
	store       StateApplier
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Broadcaster == nil {
		return nil, errors.New("ingest: store and broadcaster are required")
	}
	normalizer := opts.Normalizer
	if normalizer == nil {
		var err error
		if normalizer, err = webhook.NewNormalizer(); err != nil {
			return nil, err
		}
	}
	secret := opts.Secret
	if secret == nil {
		secret = webhook.StaticSecret(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		secret:      secret,
		normalizer:  normalizer,
		store:       opts.Store,
		broadcaster: opts.Broadcaster,
		logger:      logger,
		now:         now,
	}, nil
}

// Process handles one delivery. The body is not parsed unless the signature
// verifies, and neither the body nor the secret is ever logged.
func (p *Pipeline) Process(ctx context.Context, body []byte, signature string) Outcome {
	logger := p.logger
	if id := CorrelationID(ctx); id != "" {
		logger = logger.With(zap.String("correlation_id", id))
	}
	out := Outcome{Stage: StageReceived, Trace: []Stage{StageReceived}}

	if signature == "" {
		logger.Warn("webhook rejected", zap.String("reason", CodeMissingSignature))
		return p.finish(out, StageRejected, http.StatusUnauthorized, CodeMissingSignature, "signature header is required", "")
	}
	if !webhook.Verify(body, signature, p.secret.Secret()) {
		logger.Warn("webhook rejected", zap.String("reason", CodeInvalidSignature))
		return p.finish(out, StageRejected, http.StatusUnauthorized, CodeInvalidSignature, "signature does not match", "")
	}
	out = advance(out, StageVerified)

	event, err := p.normalizer.Normalize(body, p.now())
	if err != nil {
		var nerr *webhook.NormalizationError
		if errors.As(err, &nerr) && nerr.Kind == webhook.KindUnknownEventType {
			logger.Debug("webhook ignored", zap.String("event_type", nerr.EventType))
			return p.finish(out, StageFailed, http.StatusOK, CodeIgnoredEventType, nerr.Error(), "")
		}
		fields := []zap.Field{zap.Error(err)}
		eventType := ""
		if nerr != nil {
			eventType = nerr.EventType
			fields = append(fields, zap.String("event_type", nerr.EventType), zap.String("field", nerr.Field))
		}
		logger.Warn("webhook malformed", fields...)
		return p.finish(out, StageFailed, http.StatusBadRequest, CodeMalformedPayload, err.Error(), eventType)
	}
	out = advance(out, StageNormalized)
	out.Event = &event
	logger = logger.With(zap.String("event_type", string(event.Type)), zap.String("user_id", event.UserID))

	state, err := p.store.Apply(ctx, event)
	if err != nil {
		logger.Error("apply webhook event failed", zap.Error(err))
		return p.finish(out, StageFailed, http.StatusInternalServerError, CodeApplyFailed, "state update failed", string(event.Type))
	}
	out = advance(out, StageApplied)
	out.State = &state

	msg, err := json.Marshal(UpdateMessage{
		Type:    "update",
		UserID:  event.UserID,
		Event:   event,
		State:   state,
		Derived: userstate.Derive(state),
	})
	if err != nil {
		// The state is already applied, so the provider still gets an ack.
		logger.Error("encode update message failed", zap.Error(err))
	} else {
		out.Delivered = p.broadcaster.Broadcast(event.UserID, msg)
	}
	out = advance(out, StageBroadcast)

	logger.Info("webhook acknowledged", zap.Uint64("version", state.Version), zap.Int("delivered", out.Delivered))
	return p.finish(out, StageAcknowledged, http.StatusOK, CodeAcknowledged, "", string(event.Type))
}

func advance(out Outcome, stage Stage) Outcome {
	out.Stage = stage
	out.Trace = append(out.Trace, stage)
	return out
}

func (p *Pipeline) finish(out Outcome, stage Stage, status int, code, message, eventType string) Outcome {
	out = advance(out, stage)
	out.Status = status
	out.Code = code
	out.Message = message
	observability.RecordWebhook(string(stage), eventType)
	return out
}

type correlationKey struct{}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
