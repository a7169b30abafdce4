package router

import (
	"context"
	"time"

	"github.com/relayforge/router/internal/admin"
	"github.com/relayforge/router/internal/cache"
	"github.com/relayforge/router/internal/circuitbreaker"
	"github.com/relayforge/router/internal/errs"
	"github.com/relayforge/router/internal/logging"
	"github.com/relayforge/router/internal/ratelimit"
	"github.com/relayforge/router/internal/requestlog"
	"github.com/relayforge/router/models"
	"github.com/relayforge/router/providers"
)

// NormalizedRequest is the canonical request shape the pipeline operates on,
// after enforcing invariant (1): exactly one of Prompt or Messages is set on
// input, and Messages is always populated by the time Normalize returns.
type NormalizedRequest struct {
	Request        providers.Request
	Capability     models.Capability
	RequestedModel string // bare model id or alias, resolved against the registry/catalog by the caller
	SelectionCtx   SelectionContext
	StrategyName   string
	CacheEligible  bool // false disables cache lookup/write entirely for this request
	CacheStreamed  bool // per §4.7, buffer+cache a streamed response when true
}

// Normalize builds a NormalizedRequest from either a bare prompt string or a
// message list — never both, never neither (§3 invariant 1).
func Normalize(prompt string, messages []providers.Message, req providers.Request) (NormalizedRequest, error) {
	havePrompt := prompt != ""
	haveMessages := len(messages) > 0 || len(req.Messages) > 0

	if havePrompt == haveMessages {
		return NormalizedRequest{}, errs.New(errs.KindValidation, "exactly one of prompt or messages must be set")
	}

	out := req
	if havePrompt {
		out.Messages = []providers.Message{{Role: providers.RoleUser, Content: prompt}}
	} else if len(messages) > 0 {
		out.Messages = messages
	}

	// Request.Validate also requires Model, which isn't resolved until
	// candidate selection; validate everything else against a placeholder.
	probe := out
	probe.Model = "placeholder"
	if err := probe.Validate(); err != nil {
		return NormalizedRequest{}, errs.New(errs.KindValidation, err.Error())
	}
	return NormalizedRequest{Request: out, CacheEligible: true}, nil
}

// promptText flattens a normalized request's messages into the text used for
// fingerprinting and the semantic embedding fallback.
func (n NormalizedRequest) promptText() string {
	var out string
	for _, m := range n.Request.Messages {
		out += m.Role + ":" + m.Content + "\n"
	}
	return out
}

// Pipeline sequences the §4.8 request lifecycle: Normalize (by the caller,
// via Normalize above) → AuthN/AuthZ → Admit → Cache-lookup → Select →
// Dispatch loop → Finalize → Return.
type Pipeline struct {
	Auth        *admin.AuthStore
	BYOK        *admin.BYOKStore // optional; nil disables BYOK resolution
	Windows     *ratelimit.WindowStore
	Concurrency *ratelimit.ConcurrencySemaphore
	Queue       *ratelimit.FIFOQueue
	Cache       *cache.Semantic
	Registry    *models.Registry
	Catalog     models.Catalog
	Providers   map[string]providers.Provider // providerName -> adapter
	Dispatcher  *Dispatcher
	AuditLog    requestlog.Writer // finalize-stage audit sink; defaults to a no-op

	// QueueWait bounds how long Execute waits on a FIFO ticket once a
	// request has been queued (queueOnLimit tier with capacity left), per
	// §4.5 scenario 3. A zero value uses DefaultQueueWait.
	QueueWait time.Duration
}

// DefaultQueueWait bounds how long a queued request waits for the rate
// limiter to free a slot before giving up with a RateLimitError.
const DefaultQueueWait = 30 * time.Second

// NewPipeline wires a Pipeline from its component stores with the package's
// default fallback depth and retry policy, via NewDispatcher.
func NewPipeline(auth *admin.AuthStore, registry *models.Registry, catalog models.Catalog, strategy Strategy, breakers *circuitbreaker.Registry) *Pipeline {
	return &Pipeline{
		Auth:        auth,
		Windows:     ratelimit.NewWindowStore(),
		Concurrency: ratelimit.NewConcurrencySemaphore(),
		Queue:       ratelimit.NewFIFOQueue(0),
		Cache:       cache.NewSemantic(1000),
		Registry:    registry,
		Catalog:     catalog,
		Providers:   make(map[string]providers.Provider),
		Dispatcher:  NewDispatcher(registry, strategy, breakers),
		AuditLog:    requestlog.NoopWriter{},
		QueueWait:   DefaultQueueWait,
	}
}

// Result is returned by Execute: the response plus the bookkeeping values a
// caller's HTTP/CLI layer needs to report back (cost, cache status).
type Result struct {
	Response   *providers.Response
	Cost       models.CostResult
	CacheHit   bool
	Semantic   bool
	Similarity float64
}

// Execute runs the full pipeline for one unary request on behalf of the
// caller presenting presentedKey ("keyId.secret").
func (p *Pipeline) Execute(ctx context.Context, presentedKey string, n NormalizedRequest) (Result, error) {
	auth, err := p.Auth.Validate(presentedKey)
	if err != nil {
		return Result{}, errs.New(errs.KindAuth, "invalid api key").WithCause(err)
	}

	rec, _, err := p.Auth.Get(auth.KeyID)
	if err != nil {
		return Result{}, errs.New(errs.KindInternal, "auth store lookup failed").WithCause(err)
	}
	quotas := rec.Quotas

	if err := p.admit(ctx, auth.KeyID, quotas, estimateTokens(n)); err != nil {
		return Result{}, err
	}
	defer p.Concurrency.Release(auth.KeyID, quotas.MaxConcurrent)

	provName, modelID := splitModelKey(n.RequestedModel)
	fp := cache.Fingerprint(provName, modelID, n.Request)
	kind := cache.ClassifyKind(n.Request)

	if n.CacheEligible && p.Cache != nil {
		if hit, ok := p.Cache.Lookup(fp, kind, n.promptText()); ok {
			logging.Logger.Info("cache hit", "key", auth.KeyID, "semantic", hit.Semantic, "similarity", hit.Similarity)
			return Result{Response: hit.Response, CacheHit: true, Semantic: hit.Semantic, Similarity: hit.Similarity}, nil
		}
	}

	filter := models.Filter{Provider: provName}
	if n.Capability != "" {
		filter.Capabilities = models.NewCapabilitySet(n.Capability)
	}
	candidates := p.Registry.GetAvailable(filter)
	if len(candidates) == 0 {
		return Result{}, errs.New(errs.KindNotFound, "no available model matches the request")
	}

	strategy := p.Dispatcher.Strategy
	if n.StrategyName != "" {
		strategy = ByName(n.StrategyName, filter.Capabilities)
	}
	dispatcher := &Dispatcher{
		Registry:         p.Dispatcher.Registry,
		Strategy:         strategy,
		Breakers:         p.Dispatcher.Breakers,
		MaxFallbackDepth: p.Dispatcher.MaxFallbackDepth,
		RetryPolicy:      p.Dispatcher.RetryPolicy,
	}

	resp, err := Dispatch(ctx, dispatcher, candidates, n.SelectionCtx, func(ctx context.Context, d *models.Descriptor) (*providers.Response, error) {
		return p.invoke(ctx, auth, d, n.Request)
	})
	if err != nil {
		classified := errs.As(err)
		_ = p.AuditLog.Write(ctx, requestlog.Entry{
			Stage: "dispatch", Model: n.RequestedModel, ErrorMessage: classified.Error(),
		})
		return Result{}, err
	}

	usage := models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		ReasoningTokens:  resp.Usage.ReasoningTokens,
		CacheReadTokens:  resp.Usage.CacheReadTokens,
		CacheWriteTokens: resp.Usage.CacheWriteTokens,
	}
	cost := models.Calculate(p.Catalog, resp.Provider+"/"+resp.Model, usage)

	admittedEstimate := 0
	if quotas.TokensPerDay > 0 {
		admittedEstimate = estimateTokens(n)
	}
	p.Windows.Get(auth.KeyID).ReconcileTokens(admittedEstimate, resp.Usage.TotalTokens)

	if n.CacheEligible && p.Cache != nil && !n.Request.Stream {
		p.Cache.Set(fp, kind, n.promptText(), resp, cost.TotalUSD)
	}

	_ = p.AuditLog.Write(ctx, requestlog.Entry{
		Stage: "finalize", Model: resp.Model, Provider: resp.Provider,
		PromptTokens: resp.Usage.PromptTokens, CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens: resp.Usage.TotalTokens,
	})

	return Result{Response: resp, Cost: cost}, nil
}

// admit runs the §4.5 admission gate: daily token budget, then concurrency
// semaphore, then sliding request-count windows, with FIFO queueing when
// the tier allows it and the window is momentarily full.
func (p *Pipeline) admit(ctx context.Context, keyID string, quotas admin.Quotas, estTokens int) error {
	kw := p.Windows.Get(keyID)
	if quotas.TokensPerDay > 0 {
		if res := kw.AdmitTokensEstimate(estTokens, quotas.TokensPerDay); !res.Admitted {
			return errs.New(errs.KindRateLimit, "token budget exceeded").WithRetryAfter(res.RetryAfter)
		}
	}

	if err := p.Concurrency.Acquire(ctx, keyID, quotas.MaxConcurrent); err != nil {
		return errs.New(errs.KindRateLimit, "concurrency limit exceeded").WithCause(err)
	}

	quota := ratelimit.Quota{
		RequestsPerMinute: quotas.RequestsPerMinute,
		RequestsPerHour:   quotas.RequestsPerHour,
		RequestsPerDay:    quotas.RequestsPerDay,
	}
	res := kw.AdmitRequest(quota)
	if res.Admitted {
		return nil
	}

	if !quotas.QueueOnLimit {
		p.Concurrency.Release(keyID, quotas.MaxConcurrent)
		return errs.New(errs.KindRateLimit, "rate limit exceeded").WithRetryAfter(res.RetryAfter)
	}

	done, err := p.Queue.EnqueueCap(keyID, quotas.QueueCap)
	if err != nil {
		p.Concurrency.Release(keyID, quotas.MaxConcurrent)
		return errs.New(errs.KindQueueFull, "admission queue full")
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.queueWait())
	defer cancel()

	// A queued ticket only advances once some window granularity frees a
	// unit of capacity; poll rather than wait on a push notification since
	// the window store has no subscriber mechanism of its own.
	go func() {
		ticker := time.NewTicker(queuePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if kw.AdmitRequest(quota).Admitted {
					p.Queue.Dequeue(keyID)
					return
				}
			case <-waitCtx.Done():
				return
			}
		}
	}()

	select {
	case <-done:
		return nil
	case <-waitCtx.Done():
		p.Queue.CancelTicket(keyID, done)
		p.Concurrency.Release(keyID, quotas.MaxConcurrent)
		return errs.New(errs.KindRateLimit, "timed out waiting in admission queue")
	}
}

// queuePollInterval is how often a queued request re-checks whether the
// sliding window has freed capacity.
const queuePollInterval = 50 * time.Millisecond

func (p *Pipeline) queueWait() time.Duration {
	if p.QueueWait > 0 {
		return p.QueueWait
	}
	return DefaultQueueWait
}

// invoke resolves the BYOK key (if configured) for the descriptor's provider
// and calls the matching adapter.
func (p *Pipeline) invoke(ctx context.Context, auth *admin.AuthContext, d *models.Descriptor, req providers.Request) (*providers.Response, error) {
	prov, ok := p.Providers[d.Provider]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no adapter registered for provider").WithProvider(d.Provider)
	}

	if p.BYOK != nil {
		key, err := p.BYOK.Resolve(auth.UserID, auth.GroupID, d.Provider)
		switch {
		case err == nil:
			if kp, ok := prov.(providers.KeyedProvider); ok {
				prov = kp.WithAPIKey(key)
			}
		case err == admin.ErrNoBYOKKey:
			return nil, errs.New(errs.KindPermission, "no BYOK key available for provider").WithProvider(d.Provider)
		default:
			return nil, errs.New(errs.KindInternal, "byok resolution failed").WithCause(err)
		}
	}

	req.Model = d.ModelID
	resp, err := prov.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Provider = d.Provider
	return resp, nil
}

// StreamBufferSize bounds the channel ExecuteStream forwards chunks over —
// the §4.8 step 8 "bounded channel of, e.g., 64 chunks" backpressure limit.
// A slow consumer blocks the forwarding goroutine rather than letting
// buffered chunks grow without bound.
const StreamBufferSize = 64

// StreamResult is one item forwarded by ExecuteStream: either a chunk or a
// terminal error. The channel closes after the first error or once the
// upstream adapter's own channel closes.
type StreamResult struct {
	Chunk *providers.StreamChunk
	Err   error
}

// ExecuteStream runs the same auth/admit/cache-lookup/selection stages as
// Execute, then dispatches to a streaming-capable adapter and forwards
// chunks over a bounded channel. Unlike Execute, the concurrency and load
// slots acquired here are held for the lifetime of the stream rather than
// released when this call returns — see forwardStream.
func (p *Pipeline) ExecuteStream(ctx context.Context, presentedKey string, n NormalizedRequest) (<-chan StreamResult, error) {
	auth, err := p.Auth.Validate(presentedKey)
	if err != nil {
		return nil, errs.New(errs.KindAuth, "invalid api key").WithCause(err)
	}

	rec, _, err := p.Auth.Get(auth.KeyID)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "auth store lookup failed").WithCause(err)
	}
	quotas := rec.Quotas

	if err := p.admit(ctx, auth.KeyID, quotas, estimateTokens(n)); err != nil {
		return nil, err
	}

	provName, modelID := splitModelKey(n.RequestedModel)
	fp := cache.Fingerprint(provName, modelID, n.Request)
	kind := cache.ClassifyKind(n.Request)

	if n.CacheEligible && p.Cache != nil {
		if hit, ok := p.Cache.Lookup(fp, kind, n.promptText()); ok {
			p.Concurrency.Release(auth.KeyID, quotas.MaxConcurrent)
			logging.Logger.Info("cache hit (stream)", "key", auth.KeyID, "semantic", hit.Semantic, "similarity", hit.Similarity)
			out := make(chan StreamResult, 1)
			out <- StreamResult{Chunk: responseAsChunk(hit.Response)}
			close(out)
			return out, nil
		}
	}

	filter := models.Filter{Provider: provName}
	if n.Capability != "" {
		filter.Capabilities = models.NewCapabilitySet(n.Capability)
	}
	candidates := p.Registry.GetAvailable(filter)
	if len(candidates) == 0 {
		p.Concurrency.Release(auth.KeyID, quotas.MaxConcurrent)
		return nil, errs.New(errs.KindNotFound, "no available model matches the request")
	}

	strategy := p.Dispatcher.Strategy
	if n.StrategyName != "" {
		strategy = ByName(n.StrategyName, filter.Capabilities)
	}
	dispatcher := &Dispatcher{
		Registry:         p.Dispatcher.Registry,
		Strategy:         strategy,
		Breakers:         p.Dispatcher.Breakers,
		MaxFallbackDepth: p.Dispatcher.MaxFallbackDepth,
		RetryPolicy:      p.Dispatcher.RetryPolicy,
	}

	var picked *models.Descriptor
	upstream, err := Dispatch(ctx, dispatcher, candidates, n.SelectionCtx, func(ctx context.Context, d *models.Descriptor) (<-chan providers.StreamChunk, error) {
		ch, invokeErr := p.invokeStream(ctx, auth, d, n.Request)
		if invokeErr == nil {
			picked = d
		}
		return ch, invokeErr
	})
	if err != nil {
		p.Concurrency.Release(auth.KeyID, quotas.MaxConcurrent)
		classified := errs.As(err)
		_ = p.AuditLog.Write(ctx, requestlog.Entry{
			Stage: "dispatch", Model: n.RequestedModel, ErrorMessage: classified.Error(),
		})
		return nil, err
	}

	out := make(chan StreamResult, StreamBufferSize)
	go p.forwardStream(ctx, auth.KeyID, quotas, picked, n, fp, kind, upstream, out)
	return out, nil
}

// invokeStream is invoke's streaming counterpart: same BYOK resolution and
// adapter lookup, but requires the provider to also implement
// providers.StreamProvider and bumps the descriptor's load counter by one
// extra unit for the stream's duration (Dispatch's own +1/-1 pair only spans
// the synchronous CompleteStream call that opens the channel, not the
// forwarding that follows).
func (p *Pipeline) invokeStream(ctx context.Context, auth *admin.AuthContext, d *models.Descriptor, req providers.Request) (<-chan providers.StreamChunk, error) {
	prov, ok := p.Providers[d.Provider]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "no adapter registered for provider").WithProvider(d.Provider)
	}
	sp, ok := prov.(providers.StreamProvider)
	if !ok {
		return nil, errs.New(errs.KindNotFound, "provider does not support streaming").WithProvider(d.Provider)
	}

	if p.BYOK != nil {
		key, err := p.BYOK.Resolve(auth.UserID, auth.GroupID, d.Provider)
		switch {
		case err == nil:
			if kp, ok := prov.(providers.KeyedProvider); ok {
				if keyedStream, ok := kp.WithAPIKey(key).(providers.StreamProvider); ok {
					sp = keyedStream
				}
			}
		case err == admin.ErrNoBYOKKey:
			return nil, errs.New(errs.KindPermission, "no BYOK key available for provider").WithProvider(d.Provider)
		default:
			return nil, errs.New(errs.KindInternal, "byok resolution failed").WithCause(err)
		}
	}

	req.Model = d.ModelID
	req.Stream = true
	ch, err := sp.CompleteStream(ctx, req)
	if err != nil {
		return nil, err
	}
	_ = p.Registry.UpdateLoad(d.ID, 1)
	return ch, nil
}

// forwardStream copies chunks from upstream to out until upstream closes,
// ctx is cancelled, or a chunk carries a terminal error, then releases the
// concurrency slot and the extra load unit invokeStream added. A ctx
// cancellation per §4.9 is CANCELLED, not ERRORED: forwarding simply stops,
// no breaker failure is recorded and nothing is cached.
func (p *Pipeline) forwardStream(ctx context.Context, keyID string, quotas admin.Quotas, picked *models.Descriptor, n NormalizedRequest, fp, kind string, upstream <-chan providers.StreamChunk, out chan<- StreamResult) {
	defer close(out)
	defer p.Concurrency.Release(keyID, quotas.MaxConcurrent)
	defer func() { _ = p.Registry.UpdateLoad(picked.ID, -1) }()

	breaker := p.Dispatcher.Breakers.Get(picked.Provider)
	var content string
	var completionTokens int

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-upstream:
			if !ok {
				breaker.RecordSuccess()
				if n.CacheEligible && n.CacheStreamed && p.Cache != nil && content != "" {
					resp := &providers.Response{
						Model:    picked.ModelID,
						Provider: picked.Provider,
						Choices: []providers.Choice{{
							Message:      providers.Message{Role: providers.RoleAssistant, Content: content},
							FinishReason: "stop",
						}},
						Usage: providers.Usage{CompletionTokens: completionTokens, TotalTokens: completionTokens},
					}
					// StreamChunk carries no usage field to reconcile cost
					// against, so the cached cost is left at 0 rather than
					// fabricated from an estimate.
					p.Cache.Set(fp, kind, n.promptText(), resp, 0)
				}
				_ = p.AuditLog.Write(ctx, requestlog.Entry{
					Stage: "finalize", Model: picked.ModelID, Provider: picked.Provider,
					CompletionTokens: completionTokens, TotalTokens: completionTokens,
				})
				return
			}
			if chunk.Error != nil {
				breaker.RecordFailure()
				_ = p.AuditLog.Write(ctx, requestlog.Entry{
					Stage: "dispatch", Model: picked.ModelID, Provider: picked.Provider, ErrorMessage: chunk.Error.Error(),
				})
				select {
				case out <- StreamResult{Err: chunk.Error}:
				case <-ctx.Done():
				}
				return
			}
			for _, c := range chunk.Choices {
				content += c.Delta.Content
			}
			if content != "" {
				completionTokens = len(content)/4 + 1 // rough estimate; no usage field to reconcile against
			}
			select {
			case out <- StreamResult{Chunk: &chunk}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// responseAsChunk renders a cached non-streaming response as a single
// streaming chunk, letting a cache hit satisfy a streaming caller without a
// second upstream round trip.
func responseAsChunk(resp *providers.Response) *providers.StreamChunk {
	chunk := &providers.StreamChunk{ID: resp.ID, Model: resp.Model, Created: resp.Created}
	for _, c := range resp.Choices {
		chunk.Choices = append(chunk.Choices, providers.StreamChoice{
			Index:        c.Index,
			Delta:        providers.MessageDelta{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}
	return chunk
}

// estimateTokens approximates the token cost of n for the daily token-budget
// admission check in admit, run before the adapter call reports real usage.
// It prefers the selection context's own estimate (set by callers that
// already size prompts for cost-aware strategies) and falls back to a rough
// chars/4 heuristic over the flattened prompt text.
func estimateTokens(n NormalizedRequest) int {
	est := n.SelectionCtx.EstInputTokens
	if est == 0 {
		est = len(n.promptText()) / 4
	}
	max := n.SelectionCtx.MaxTokens
	if max == 0 && n.Request.MaxTokens != nil {
		max = *n.Request.MaxTokens
	}
	return est + max
}

func splitModelKey(key string) (provider, model string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return "", key
}
