package llm

// PlanningSchema is the JSON schema constraining the Planning handler's LLM
// call, per §6. queryMap is kept as an opaque object here: the Broker
// validates its presence and shape only at the top level, leaving
// per-backend query semantics to the conversation store's Translator.
const PlanningSchema = `{
  "type": "object",
  "required": ["targetSampleSize", "stopRequested", "additionalInstructions", "queryMap", "planDetails"],
  "properties": {
    "targetSampleSize": {"type": "integer", "minimum": 0, "maximum": 100},
    "stopRequested": {"type": "boolean"},
    "additionalInstructions": {"type": "string"},
    "queryMap": {"type": "object"},
    "planDetails": {"type": "string"}
  }
}`

// ClassificationSchema is the JSON schema constraining the Classifying
// handler's LLM call, per §6.
const ClassificationSchema = `{
  "type": "object",
  "required": ["outputs"],
  "properties": {
    "outputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["conversationId", "classification"],
        "properties": {
          "conversationId": {"type": "string"},
          "classification": {"type": "string", "enum": ["RESOLVED", "UNRESOLVED"]}
        }
      }
    }
  }
}`

// RetrievalDecisionSchema constrains the agentic retrieval loop's per-iteration
// LLM decision: either TERMINATE or NEXT_QUERY with a filter map.
const RetrievalDecisionSchema = `{
  "type": "object",
  "required": ["decision"],
  "properties": {
    "decision": {"type": "string", "enum": ["TERMINATE", "NEXT_QUERY"]},
    "reason": {"type": "string"},
    "query": {"type": "string"},
    "filters": {"type": "object"},
    "memory": {"type": "string"}
  }
}`
