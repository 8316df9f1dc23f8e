package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trustvoice-dialogue/internal/domain"
)

const (
	defaultAdapterTimeout   = 15 * time.Second
	defaultRetryBackoff     = 500 * time.Millisecond
	defaultMaxContext       = 20
	defaultMaxTranscriptLen = 1000
	defaultStoreTimeout     = 5 * time.Second

	unavailableMessage   = "Sorry, I'm having trouble understanding right now. Could you please try again in a moment?"
	fallbackReadyMessage = "Thanks, I have what I need. Processing your request now."
	turnLimitMessage     = "Sorry, we couldn't finish that request. Let's start over: what would you like to do?"
)

// SessionStore is the conversation state the orchestrator reads and writes.
type SessionStore interface {
	Load(ctx context.Context, userID string) (domain.ConversationState, error)
	AppendMessage(ctx context.Context, userID string, role domain.Role, text string) error
	MergeEntities(ctx context.Context, userID string, entities map[string]any) error
	SetIntent(ctx context.Context, userID, intent string) error
	SetLanguage(ctx context.Context, userID, lang string) error
	IncrementTurn(ctx context.Context, userID string) error
	Clear(ctx context.Context, userID string) error
}

// BackendAdapter wraps one language-understanding backend. history holds the
// prior turns only; the current transcript is passed separately.
type BackendAdapter interface {
	Name() string
	Invoke(ctx context.Context, transcript string, history []domain.Message) (string, error)
}

// FallbackInterpreter is the context-free single-shot path used when the
// backends cannot be reached.
type FallbackInterpreter interface {
	Interpret(ctx context.Context, transcript string) (intent string, entities map[string]any, err error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// TurnInput is one inbound message from a front end.
type TurnInput struct {
	UserID     string
	Language   string
	Transcript string
}

// Registry maps language tags to adapters.
type Registry struct {
	mu              sync.RWMutex
	byLanguage      map[string]BackendAdapter
	defaultLanguage string
}

// NewRegistry creates a registry; languages without their own adapter are
// served by the adapter registered for defaultLanguage.
func NewRegistry(defaultLanguage string) *Registry {
	return &Registry{
		byLanguage:      make(map[string]BackendAdapter),
		defaultLanguage: normalizeLanguage(defaultLanguage),
	}
}

// Register binds adapter to each of languages.
func (r *Registry) Register(adapter BackendAdapter, languages ...string) error {
	if adapter == nil {
		return errors.New("usecase: adapter must not be nil")
	}
	if len(languages) == 0 {
		return fmt.Errorf("usecase: adapter %s registered without languages", adapter.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lang := range languages {
		lang = normalizeLanguage(lang)
		if lang == "" {
			return errors.New("usecase: language must not be empty")
		}
		r.byLanguage[lang] = adapter
	}
	return nil
}

// Select returns the adapter for language, falling back to the default.
func (r *Registry) Select(language string) (BackendAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byLanguage[normalizeLanguage(language)]; ok {
		return a, true
	}
	a, ok := r.byLanguage[r.defaultLanguage]
	return a, ok
}

// DefaultLanguage is the language assumed when a front end sends none.
func (r *Registry) DefaultLanguage() string {
	return r.defaultLanguage
}

func normalizeLanguage(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}

// Options tunes the orchestrator. Zero values select defaults; MaxTurns of
// zero means conversations are never force-terminated.
type Options struct {
	AdapterTimeout      time.Duration
	RetryBackoff        time.Duration
	MaxContextItems     int
	MaxTurns            int
	MaxTranscriptLength int
	StoreTimeout        time.Duration
	Fallback            FallbackInterpreter
	Logger              *slog.Logger
}

// Orchestrator runs the multi-turn dialogue protocol.
type Orchestrator struct {
	store    SessionStore
	registry *Registry
	fallback FallbackInterpreter
	gate     *turnGate
	logger   *slog.Logger

	adapterTimeout   time.Duration
	retryBackoff     time.Duration
	maxContextItems  int
	maxTurns         int
	maxTranscriptLen int
	storeTimeout     time.Duration

	sleep         func(ctx context.Context, d time.Duration) error
	parseFailures atomic.Int64
}

func NewOrchestrator(store SessionStore, registry *Registry, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("usecase: adapter registry must not be nil")
	}
	if _, ok := registry.Select(registry.DefaultLanguage()); !ok {
		return nil, fmt.Errorf("usecase: no adapter registered for default language %q", registry.DefaultLanguage())
	}
	o := &Orchestrator{
		store:            store,
		registry:         registry,
		fallback:         opts.Fallback,
		gate:             newTurnGate(),
		logger:           opts.Logger,
		adapterTimeout:   opts.AdapterTimeout,
		retryBackoff:     opts.RetryBackoff,
		maxContextItems:  opts.MaxContextItems,
		maxTurns:         opts.MaxTurns,
		maxTranscriptLen: opts.MaxTranscriptLength,
		storeTimeout:     opts.StoreTimeout,
		sleep:            sleepContext,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.adapterTimeout <= 0 {
		o.adapterTimeout = defaultAdapterTimeout
	}
	if o.retryBackoff < 0 {
		o.retryBackoff = 0
	} else if o.retryBackoff == 0 {
		o.retryBackoff = defaultRetryBackoff
	}
	if o.maxContextItems <= 0 {
		o.maxContextItems = defaultMaxContext
	}
	if o.maxTranscriptLen <= 0 {
		o.maxTranscriptLen = defaultMaxTranscriptLen
	}
	if o.storeTimeout <= 0 {
		o.storeTimeout = defaultStoreTimeout
	}
	return o, nil
}

// ParseFailures counts replies that needed the last-resort parse fallback.
func (o *Orchestrator) ParseFailures() int64 {
	return o.parseFailures.Load()
}

// HandleTurn applies one user message to the conversation and returns the
// resulting decision. Backend and parse failures are absorbed into a
// not-ready decision; only invalid input and Session Store failures are
// returned as errors, the latter together with a user-presentable decision.
func (o *Orchestrator) HandleTurn(ctx context.Context, in TurnInput) (domain.Decision, error) {
	in, err := o.validate(in)
	if err != nil {
		return domain.Decision{}, err
	}
	v, shared, err := o.gate.do(ctx, in.UserID, in.Transcript, func(ctx context.Context) (any, error) {
		return o.handleTurn(ctx, in)
	})
	if shared {
		o.logger.Info("duplicate turn coalesced", "user_id", in.UserID)
	}
	return gateResult[domain.Decision](v, err)
}

func (o *Orchestrator) validate(in TurnInput) (TurnInput, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.Transcript = strings.TrimSpace(in.Transcript)
	in.Language = normalizeLanguage(in.Language)
	if in.UserID == "" {
		return in, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if in.Transcript == "" {
		return in, newError(ErrorInvalidInput, "empty_transcript", nil)
	}
	if len([]rune(in.Transcript)) > o.maxTranscriptLen {
		return in, newError(ErrorInvalidInput, "transcript_too_long", nil)
	}
	if in.Language == "" {
		in.Language = o.registry.DefaultLanguage()
	}
	return in, nil
}

// handleTurn must run under the user's gate.
func (o *Orchestrator) handleTurn(ctx context.Context, in TurnInput) (domain.Decision, error) {
	state, err := o.store.Load(ctx, in.UserID)
	if err != nil {
		return o.storeFailure("session_load_error", err)
	}

	if state.Language == "" {
		if err := o.store.SetLanguage(ctx, in.UserID, in.Language); err != nil {
			return o.storeFailure("session_write_error", err)
		}
		state.Language = in.Language
	} else if state.Language != in.Language {
		o.logger.Debug("ignoring language change mid-conversation",
			"user_id", in.UserID, "pinned", state.Language, "requested", in.Language)
	}

	prior := historyWindow(state.History, o.maxContextItems)
	if err := o.store.AppendMessage(ctx, in.UserID, domain.RoleUser, in.Transcript); err != nil {
		return o.storeFailure("session_write_error", err)
	}

	// From here on the turn must be completed in the store even if the
	// caller goes away, or history loses its assistant entry.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.storeTimeout)
	defer cancel()

	if err := o.store.IncrementTurn(wctx, in.UserID); err != nil {
		return o.storeFailure("session_write_error", err)
	}
	turn := state.TurnCount + 1

	adapter, ok := o.registry.Select(state.Language)
	if !ok {
		// NewOrchestrator guarantees a default adapter exists.
		return o.storeFailure("no_adapter", fmt.Errorf("usecase: no adapter for %q", state.Language))
	}

	log := o.logger.With("user_id", in.UserID, "language", state.Language, "turn", turn, "adapter", adapter.Name())

	var decision domain.Decision
	raw, err := o.invokeWithRetry(ctx, adapter, in.Transcript, prior, log)
	if err != nil {
		decision = o.degrade(ctx, in.Transcript, err, log)
	} else {
		var strategy ParseStrategy
		decision, strategy = Parse(raw)
		if strategy == StrategyFallback {
			o.parseFailures.Add(1)
			log.Warn("backend reply had no structured decision", "reply_len", len(raw))
		} else {
			log.Debug("parsed backend reply", "strategy", strategy)
		}
	}

	if err := o.store.AppendMessage(wctx, in.UserID, domain.RoleAssistant, decision.Message); err != nil {
		return o.storeFailure("session_write_error", err)
	}

	if len(decision.Entities) > 0 {
		if err := o.store.MergeEntities(wctx, in.UserID, decision.Entities); err != nil {
			return o.storeFailure("session_write_error", err)
		}
	}

	if decision.Ready {
		if state.Intent != "" && state.Intent != decision.Intent {
			log.Warn("backend changed intent of a finalized conversation; keeping original",
				"intent", state.Intent, "proposed", decision.Intent)
			decision.Intent = state.Intent
		}
		if err := o.store.SetIntent(wctx, in.UserID, decision.Intent); err != nil {
			return o.storeFailure("session_write_error", err)
		}
		merged := state.Clone()
		merged.MergeEntities(decision.Entities)
		decision.Entities = merged.Entities
		log.Info("conversation ready", "intent", decision.Intent, "entities", len(decision.Entities))
		return decision, nil
	}

	if o.maxTurns > 0 && turn >= o.maxTurns {
		log.Info("turn limit reached; resetting conversation", "max_turns", o.maxTurns)
		if err := o.store.Clear(wctx, in.UserID); err != nil {
			return o.storeFailure("session_clear_error", err)
		}
		return domain.Decision{Message: turnLimitMessage, Error: "turn_limit_reached"}, nil
	}

	log.Info("follow-up turn", "error", decision.Error)
	return decision, nil
}

// invokeWithRetry calls the adapter under a hard timeout and retries once,
// after a backoff, when the failure looks transient.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, adapter BackendAdapter, transcript string, history []domain.Message, log *slog.Logger) (string, error) {
	raw, err := o.invoke(ctx, adapter, transcript, history)
	if err == nil {
		return raw, nil
	}
	if !isTransient(err) || ctx.Err() != nil {
		log.Warn("backend call failed", "error", err, "transient", false)
		return "", err
	}
	log.Warn("backend call failed; retrying", "error", err, "backoff", o.retryBackoff)
	if err := o.sleep(ctx, o.retryBackoff); err != nil {
		return "", err
	}
	raw, err = o.invoke(ctx, adapter, transcript, history)
	if err != nil {
		log.Warn("backend retry failed", "error", err)
		return "", err
	}
	return raw, nil
}

func (o *Orchestrator) invoke(ctx context.Context, adapter BackendAdapter, transcript string, history []domain.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.adapterTimeout)
	defer cancel()
	return adapter.Invoke(ctx, transcript, history)
}

// degrade turns an adapter failure into a decision, trying the single-shot
// fallback interpreter first.
func (o *Orchestrator) degrade(ctx context.Context, transcript string, cause error, log *slog.Logger) domain.Decision {
	if o.fallback != nil && ctx.Err() == nil {
		fctx, cancel := context.WithTimeout(ctx, o.adapterTimeout)
		intent, entities, err := o.fallback.Interpret(fctx, transcript)
		cancel()
		switch {
		case err != nil:
			log.Warn("fallback interpreter failed", "error", err)
		case strings.TrimSpace(intent) != "":
			log.Info("fallback interpreter produced intent", "intent", intent)
			return domain.Decision{
				Message:  fallbackReadyMessage,
				Ready:    true,
				Intent:   strings.TrimSpace(intent),
				Entities: entities,
			}
		default:
			log.Info("fallback interpreter found no intent")
		}
	}
	reason := "backend_unavailable"
	if status, ok := upstreamStatusCode(cause); ok && status == http.StatusTooManyRequests {
		reason = "backend_rate_limited"
	}
	return domain.Decision{Message: unavailableMessage, Ready: false, Error: reason}
}

func (o *Orchestrator) storeFailure(reason string, err error) (domain.Decision, error) {
	o.logger.Error("session store failure", "reason", reason, "error", err)
	return domain.Decision{Message: unavailableMessage, Error: reason}, newError(ErrorStoreUnavailable, reason, err)
}

// isTransient reports whether a retry could plausibly succeed.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if status, ok := upstreamStatusCode(err); ok {
		switch {
		case status == http.StatusRequestTimeout,
			status == http.StatusTooEarly,
			status == http.StatusTooManyRequests,
			status >= 500:
			return true
		default:
			return false
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// gateResult unpacks a value produced through the turn gate.
func gateResult[T any](v any, err error) (T, error) {
	var zero T
	if v == nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("usecase: unexpected gate result %T", v)
	}
	return out, err
}
