// Package orchestrator drives the answer pipeline. One turn resolves the
// effective feature set, compacts history, recalls long-term memory, routes
// and plans the question, gathers evidence from the document index and the
// web, synthesizes a cited answer, reviews it, and persists what the next
// turn needs. Run returns the completed turn; RunStream additionally
// surfaces the turn's event stream while it happens.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/codes"

	"github.com/kadirpekel/anchora/pkg/config"
	"github.com/kadirpekel/anchora/pkg/critic"
	"github.com/kadirpekel/anchora/pkg/history"
	"github.com/kadirpekel/anchora/pkg/llm"
	"github.com/kadirpekel/anchora/pkg/memory"
	"github.com/kadirpekel/anchora/pkg/observability"
	"github.com/kadirpekel/anchora/pkg/planner"
	"github.com/kadirpekel/anchora/pkg/retrieval"
	"github.com/kadirpekel/anchora/pkg/session"
	"github.com/kadirpekel/anchora/pkg/telemetry"
	"github.com/kadirpekel/anchora/pkg/web"
)

// Stored summary bullets are capped so sessions that never expire cannot
// grow without bound; the newest survive.
const maxStoredBullets = 64

// Bullets competing for the summary slot of the prompt; the budgeter trims
// further by tokens.
const summarySelectK = 8

// Synthesizer generates answers. *llm.Provider implementations satisfy it.
type Synthesizer interface {
	Complete(ctx context.Context, messages []session.Message, opts llm.Options) (*llm.Completion, error)
	CompleteStream(ctx context.Context, messages []session.Message, opts llm.Options) (<-chan llm.StreamChunk, error)
}

// Embedder is the batch embedding surface used for summary selection.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever gathers evidence from the document index.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
	RetrieveLazy(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
	Load(ctx context.Context, id string) (*session.Reference, error)
}

// WebSearcher performs external web search.
type WebSearcher interface {
	Search(ctx context.Context, query string, k int) ([]session.WebResult, error)
}

// WebFilter gates web results on quality before they enter the prompt.
type WebFilter interface {
	Filter(ctx context.Context, results []session.WebResult, query string, known []session.Reference) (*web.FilterResult, error)
}

// LongMemory is the durable cross-session memory surface.
type LongMemory interface {
	Enabled() bool
	Recall(ctx context.Context, question string, f config.FeatureSet, sessionID, userID string) []session.LongTermMemory
	Remember(ctx context.Context, text string, typ session.MemoryType, tags []string, f config.FeatureSet, sessionID, userID string) (string, error)
}

// Deps wires the pipeline together. Synth is required; every other
// collaborator degrades gracefully when absent: no planner means the
// default route and plan, no retriever or web client skips that evidence
// leg, no critic accepts every draft.
type Deps struct {
	// Features returns the process-level base feature set. Hot reloads
	// swap the value between turns; nil means defaults.
	Features func() config.FeatureSet

	Synth     Synthesizer
	Embedder  Embedder
	Planner   *planner.Planner
	Critic    *critic.Critic
	Grader    *critic.Grader
	Compactor *history.Compactor
	Budgeter  *history.Budgeter
	Counter   *history.TokenCounter
	Retriever Retriever
	Web       WebSearcher
	WebFilter WebFilter
	ShortTerm *memory.Store
	LongTerm  LongMemory
	Telemetry *telemetry.Telemetry
}

// Orchestrator executes turns. Safe for concurrent use; turns on the same
// session serialize on the short-term store's per-session lock.
type Orchestrator struct {
	features  func() config.FeatureSet
	synth     Synthesizer
	embedder  Embedder
	planner   *planner.Planner
	critic    *critic.Critic
	grader    *critic.Grader
	compactor *history.Compactor
	budgeter  *history.Budgeter
	counter   *history.TokenCounter
	retriever Retriever
	web       WebSearcher
	webFilter WebFilter
	shortTerm *memory.Store
	longTerm  LongMemory
	telemetry *telemetry.Telemetry
}

// New assembles an orchestrator from its dependencies.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Synth == nil {
		return nil, session.NewError(session.KindConfig, "orchestrator requires a synthesizer")
	}
	o := &Orchestrator{
		features:  deps.Features,
		synth:     deps.Synth,
		embedder:  deps.Embedder,
		planner:   deps.Planner,
		critic:    deps.Critic,
		grader:    deps.Grader,
		compactor: deps.Compactor,
		budgeter:  deps.Budgeter,
		counter:   deps.Counter,
		retriever: deps.Retriever,
		web:       deps.Web,
		webFilter: deps.WebFilter,
		shortTerm: deps.ShortTerm,
		longTerm:  deps.LongTerm,
		telemetry: deps.Telemetry,
	}
	if o.features == nil {
		o.features = config.DefaultFeatures
	}
	if o.shortTerm == nil {
		o.shortTerm = memory.NewStore()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.New()
	}
	if o.budgeter == nil {
		counter := o.counter
		if counter == nil {
			var err error
			counter, err = history.NewTokenCounter("gpt-4o")
			if err != nil {
				return nil, err
			}
			o.counter = counter
		}
		o.budgeter = history.NewBudgeter(counter)
	}
	return o, nil
}

// Telemetry exposes the turn recorder hub, for transports that serve trace
// and aggregate endpoints.
func (o *Orchestrator) Telemetry() *telemetry.Telemetry {
	return o.telemetry
}

// ShortTerm exposes the session store, for janitor wiring.
func (o *Orchestrator) ShortTerm() *memory.Store {
	return o.shortTerm
}

// Run executes one synchronous turn. Events are recorded on the turn's
// trace but not forwarded anywhere; the response carries everything the
// stream would have shown.
func (o *Orchestrator) Run(ctx context.Context, req session.Request) (*session.Response, error) {
	if req.Mode == "" {
		req.Mode = session.ModeSync
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return o.run(ctx, req, nil)
}

// RunStream executes one streaming turn. Structurally invalid requests fail
// synchronously; otherwise the returned channel carries the turn's events
// and closes after the terminal done event. Sends are unbuffered, so a slow
// consumer throttles the pipeline; callers must drain the channel until it
// closes, even after cancelling ctx.
func (o *Orchestrator) RunStream(ctx context.Context, req session.Request) (<-chan session.Event, error) {
	req.Mode = session.ModeStream
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan session.Event)
	go func() {
		defer close(ch)
		_, _ = o.run(ctx, req, func(ev session.Event) {
			ch <- ev
		})
	}()
	return ch, nil
}

// run resolves the turn's configuration, executes the pipeline under the
// session lock, and emits the terminal frames in the order clients rely
// on: usage, telemetry, complete, done on success; error, done on failure.
func (o *Orchestrator) run(ctx context.Context, req session.Request, forward func(session.Event)) (*session.Response, error) {
	question := strings.TrimSpace(req.Question())
	if question == "" {
		return nil, session.NewError(session.KindConfig, "request has no user question")
	}

	reqOverrides, err := config.DecodeOverrides(req.FeatureOverrides)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.Fingerprint(req.Messages)
	}

	release := o.shortTerm.Acquire(sessionID)
	defer release()

	state := o.shortTerm.Get(sessionID)
	overrides := config.MergeOverrides(state.Overrides, reqOverrides)
	features := config.MergeFeatures(o.features(), overrides)
	if err := features.Validate(); err != nil {
		return nil, err
	}

	if d := features.TurnDeadline.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	ctx, rec := o.telemetry.Start(ctx, sessionID, state.Turn+1, req.Mode, question, forward)

	t := &turn{
		req:       req,
		features:  features,
		question:  question,
		sessionID: sessionID,
		userID:    req.UserID,
		number:    state.Turn + 1,
		mode:      req.Mode,
		rec:       rec,
		state:     state,
		overrides: overrides,
	}

	resp, err := o.pipeline(ctx, t)
	if err != nil {
		rec.Fail(err)
		rec.Emit(session.NewErrorEvent(err))
		rec.Emit(session.NewDoneEvent())
		return nil, err
	}

	rec.Emit(session.NewUsageEvent(resp.Usage))
	rec.Complete(resp)
	rec.Emit(session.NewTelemetryEvent(o.telemetry.Aggregates()))
	rec.Emit(session.NewCompleteEvent(resp.Answer))
	rec.Emit(session.NewDoneEvent())
	return resp, nil
}

// turn carries the mutable state of one pipeline pass. Stages own it
// sequentially; concurrent legs inside a stage return their pieces and the
// stage folds them in after the join.
type turn struct {
	req       session.Request
	features  config.FeatureSet
	question  string
	sessionID string
	userID    string
	number    int
	mode      session.Mode

	rec       *telemetry.Recorder
	state     memory.State
	overrides *config.FeatureOverrides

	recent   []session.Message
	bullets  []session.SummaryBullet
	selected []session.SummaryBullet
	salience []session.SalienceNote

	intent *session.Intent
	route  session.RouteInfo
	plan   *session.Plan

	refs     []session.Reference
	web      []session.WebResult
	activity []session.ActivityStep
	diags    session.Diagnostics

	usage   session.Usage
	draft   string
	reports []session.CriticReport
}

// pipeline runs the stages in order and assembles the response.
func (o *Orchestrator) pipeline(ctx context.Context, t *turn) (*session.Response, error) {
	o.assembleContext(ctx, t)
	o.recallMemories(ctx, t)
	o.routeAndPlan(ctx, t)

	if err := o.gatherEvidence(ctx, t); err != nil {
		return nil, err
	}
	if err := o.synthesize(ctx, t); err != nil {
		return nil, err
	}

	o.persistTurn(ctx, t)

	return &session.Response{
		Answer:      t.draft,
		References:  t.refs,
		WebResults:  t.web,
		Activity:    t.activity,
		Plan:        t.plan,
		Critic:      t.reports,
		Route:       &t.route,
		Diagnostics: t.diags,
		Usage:       t.usage,
		SessionID:   t.sessionID,
		Turn:        t.number,
	}, nil
}

// assembleContext folds the request history into the turn: the verbatim
// recent window, merged summary bullets, and merged salience notes. A
// failed compaction degrades to raw history; the budgeter trims it later.
func (o *Orchestrator) assembleContext(ctx context.Context, t *turn) {
	tracer := observability.GetTracer("anchora.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanContext)
	defer span.End()

	t.rec.Emit(session.NewStatusEvent(session.StageContext))

	t.recent = t.req.Messages
	t.bullets = t.state.Bullets
	t.salience = t.state.Salience

	if o.compactor != nil {
		compacted, err := o.compactor.Compact(ctx, t.req.Messages, t.features.RecentTurns)
		if err != nil {
			span.RecordError(err)
			slog.Warn("history compaction failed, continuing with raw history",
				"session_id", t.sessionID, "error", err)
		} else {
			t.usage.Add(compacted.Usage)
			t.recent = compacted.Recent
			t.bullets = mergeBullets(t.state.Bullets, compacted.Bullets)
			t.salience = mergeSalience(t.state.Salience, compacted.Salience)
		}
	}

	t.selected = t.bullets
	if len(t.bullets) > summarySelectK && o.embedder != nil {
		t.selected = history.SelectSummaries(ctx, o.embedder, t.question, t.bullets, summarySelectK)
	}
	span.SetStatus(codes.Ok, "")
}

// recallMemories folds durable cross-session memories into the salience
// notes. Recall is best effort; the manager logs its own failures.
func (o *Orchestrator) recallMemories(ctx context.Context, t *turn) {
	if t.features.EnableSemanticMemory && o.longTerm != nil && o.longTerm.Enabled() {
		memories := o.longTerm.Recall(ctx, t.question, t.features, t.sessionID, t.userID)
		for _, m := range memories {
			t.salience = append(t.salience, session.SalienceNote{
				Fact:         m.Text,
				Topic:        string(m.Type),
				LastSeenTurn: t.number,
			})
		}
	}

	t.rec.Emit(session.NewContextEvent(&session.ContextSnapshot{
		Summary:        bulletTexts(t.selected),
		Salience:       t.salience,
		HistoryPreview: historyPreview(t.recent),
	}))
}

// routeAndPlan classifies the question's intent and decides the dispatch
// plan. Both calls degrade to defaults on failure: routing and planning
// shape the turn but must never kill it.
func (o *Orchestrator) routeAndPlan(ctx context.Context, t *turn) {
	tracer := observability.GetTracer("anchora.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanPlan)
	defer span.End()

	t.rec.Emit(session.NewStatusEvent(session.StagePlan))

	if t.features.EnableIntentRouting && o.planner != nil {
		intent, usage, err := o.planner.ClassifyIntent(ctx, t.question, t.features)
		t.usage.Add(usage)
		if err != nil {
			span.RecordError(err)
			slog.Warn("intent routing failed, using the default route",
				"session_id", t.sessionID, "error", err)
		} else {
			t.intent = intent
		}
	}
	t.route = planner.RouteFor(t.intent)
	t.rec.Emit(session.NewRouteEvent(&t.route))

	t.plan = planner.DefaultPlan()
	if o.planner != nil {
		plan, usage, err := o.planner.BuildPlan(ctx, t.question, t.intent, t.features)
		t.usage.Add(usage)
		if err != nil {
			span.RecordError(err)
			slog.Warn("planning failed, dispatching the default plan",
				"session_id", t.sessionID, "error", err)
		} else {
			t.plan = plan
		}
	}
	t.rec.Emit(session.NewPlanEvent(t.plan))

	span.SetStatus(codes.Ok, "")
}

// persistTurn writes the turn's outcome into short-term state and, when
// semantic memory is on, a long-term episodic record. Failures here never
// fail the turn; the answer is already made.
func (o *Orchestrator) persistTurn(ctx context.Context, t *turn) {
	tracer := observability.GetTracer("anchora.orchestrator")
	ctx, span := tracer.Start(ctx, observability.SpanMemoryWrite)
	defer span.End()

	t.rec.Emit(session.NewStatusEvent(session.StagePersisting))

	bullets := append(t.bullets, session.SummaryBullet{
		Text: turnBullet(t.question, t.draft),
		Turn: t.number,
	})
	if len(bullets) > maxStoredBullets {
		bullets = bullets[len(bullets)-maxStoredBullets:]
	}
	o.shortTerm.Put(t.sessionID, memory.State{
		Bullets:   bullets,
		Salience:  t.salience,
		Turn:      t.number,
		Overrides: t.overrides,
	}, t.features.MemoryMaxAgeTurns)

	if t.features.EnableSemanticMemory && o.longTerm != nil && o.longTerm.Enabled() {
		var tags []string
		if t.route.Intent != "" {
			tags = []string{string(t.route.Intent)}
		}
		text := episodicRecord(t.question, t.draft)
		if _, err := o.longTerm.Remember(ctx, text, session.MemoryEpisodic, tags, t.features, t.sessionID, t.userID); err != nil {
			span.RecordError(err)
			slog.Warn("episodic memory write failed",
				"session_id", t.sessionID, "error", err)
		}
	}
	span.SetStatus(codes.Ok, "")
}

// mergeBullets folds a fresh digest over the stored one. Fresh bullets win
// on matching text and inherit cached embeddings; stored bullets the digest
// no longer covers are kept, since clients may trim old history.
func mergeBullets(stored, fresh []session.SummaryBullet) []session.SummaryBullet {
	if len(stored) == 0 {
		return fresh
	}
	if len(fresh) == 0 {
		return stored
	}

	embeddings := make(map[string][]float32, len(stored))
	for _, b := range stored {
		if len(b.Embedding) > 0 {
			embeddings[normKey(b.Text)] = b.Embedding
		}
	}

	seen := make(map[string]bool, len(fresh))
	out := make([]session.SummaryBullet, 0, len(stored)+len(fresh))
	for _, b := range fresh {
		key := normKey(b.Text)
		seen[key] = true
		if emb, ok := embeddings[key]; ok && len(b.Embedding) == 0 {
			b.Embedding = emb
		}
		out = append(out, b)
	}
	for _, b := range stored {
		if seen[normKey(b.Text)] {
			continue
		}
		out = append(out, b)
	}
	return out
}

// mergeSalience unions stored and fresh notes by fact, keeping the most
// recent sighting of each.
func mergeSalience(stored, fresh []session.SalienceNote) []session.SalienceNote {
	if len(fresh) == 0 {
		return stored
	}
	if len(stored) == 0 {
		return fresh
	}

	out := make([]session.SalienceNote, len(stored))
	copy(out, stored)
	index := make(map[string]int, len(stored))
	for i, n := range stored {
		index[normKey(n.Fact)] = i
	}
	for _, n := range fresh {
		key := normKey(n.Fact)
		if i, ok := index[key]; ok {
			if n.LastSeenTurn > out[i].LastSeenTurn {
				out[i].LastSeenTurn = n.LastSeenTurn
			}
			if out[i].Topic == "" {
				out[i].Topic = n.Topic
			}
			continue
		}
		index[key] = len(out)
		out = append(out, n)
	}
	return out
}

func normKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func bulletTexts(bullets []session.SummaryBullet) []string {
	if len(bullets) == 0 {
		return nil
	}
	out := make([]string, len(bullets))
	for i, b := range bullets {
		out[i] = b.Text
	}
	return out
}

// historyPreview is the tail of the conversation, for the context event.
func historyPreview(messages []session.Message) string {
	if len(messages) == 0 {
		return ""
	}
	last := messages[len(messages)-1]
	return string(last.Role) + ": " + truncate(last.Content, 200)
}

func turnBullet(question, answer string) string {
	return fmt.Sprintf("Q: %s A: %s", truncate(question, 140), truncate(answer, 200))
}

func episodicRecord(question, answer string) string {
	return fmt.Sprintf("Asked %q; answered: %s", truncate(question, 140), truncate(answer, 300))
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
