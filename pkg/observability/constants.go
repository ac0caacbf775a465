package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrSessionID      = "session.id"
	AttrSessionTurn    = "session.turn"
	AttrSessionMode    = "session.mode"
	AttrIntent         = "route.intent"
	AttrPlanSteps      = "plan.steps"
	AttrLLMProvider    = "llm.provider"
	AttrLLMModel       = "llm.model"
	AttrTokensInput    = "llm.tokens.input"
	AttrTokensOutput   = "llm.tokens.output"
	AttrRetrievalStage = "retrieval.stage"
	AttrRetrievalDocs  = "retrieval.docs"
	AttrMemoryBackend  = "memory.backend"
	AttrErrorKind      = "error.kind"

	SpanTurn         = "session.turn"
	SpanContext      = "session.context"
	SpanRecall       = "session.memory_recall"
	SpanRoute        = "session.route"
	SpanPlan         = "session.plan"
	SpanDispatch     = "session.dispatch"
	SpanRetrieval    = "session.retrieval"
	SpanWebSearch    = "session.web_search"
	SpanSynthesis    = "session.synthesis"
	SpanCritic       = "session.critic"
	SpanMemoryWrite  = "session.memory_write"
	SpanLLMRequest   = "llm.request"
	SpanIndexQuery   = "search.query"
	SpanEmbedRequest = "llm.embed"

	DefaultServiceName = "anchora"
)
