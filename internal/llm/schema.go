package llm

import (
	"maps"
	"slices"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Strict structured outputs require every property to be listed as required
// and additionalProperties to be false on every object.
func object(props map[string]jsonschema.Definition) jsonschema.Definition {
	required := slices.Sorted(maps.Keys(props))
	return jsonschema.Definition{
		Type:                 jsonschema.Object,
		Properties:           props,
		Required:             required,
		AdditionalProperties: false,
	}
}

func str(desc string) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.String, Description: desc}
}

func arrayOf(item jsonschema.Definition) jsonschema.Definition {
	return jsonschema.Definition{Type: jsonschema.Array, Items: &item}
}

var questionSchema = object(map[string]jsonschema.Definition{
	"id":             str("Short identifier, unique within this test"),
	"content":        str("The question text"),
	"type":           str("Question format, e.g. QCM, libre, audio"),
	"category":       str("Category name, exactly as written in the plan"),
	"expectedAnswer": str("Expected answer for closed questions, empty otherwise"),
	"points":         {Type: jsonschema.Number, Description: "Points awarded for a perfect answer"},
	"aiRationale":    str("Why this question is relevant"),
})

var planSchema = object(map[string]jsonschema.Definition{
	"introduction": str("How the test is structured"),
	"categories": arrayOf(object(map[string]jsonschema.Definition{
		"category":       str("Category name"),
		"description":    str("What the category covers"),
		"suggestedCount": {Type: jsonschema.Integer},
		"rationale":      str("Why the category matters for the objective"),
	})),
	"totalQuestions": {Type: jsonschema.Integer},
})

// questionsSchema covers full generation, plan regeneration and single
// question regeneration. The single-question prompt asks for one question.
var questionsSchema = object(map[string]jsonschema.Definition{
	"plan":      planSchema,
	"questions": arrayOf(questionSchema),
})

var evaluationSchema = object(map[string]jsonschema.Definition{
	"overallScore": {Type: jsonschema.Number, Description: "Overall score out of 100"},
	"totalPoints":  {Type: jsonschema.Number},
	"earnedPoints": {Type: jsonschema.Number},
	"questionEvaluations": arrayOf(object(map[string]jsonschema.Definition{
		"questionId":  str("The id of the evaluated question"),
		"score":       {Type: jsonschema.Number},
		"feedback":    str(""),
		"suggestions": str(""),
	})),
	"globalFeedback":      str(""),
	"strengths":           arrayOf(str("")),
	"areasForImprovement": arrayOf(str("")),
	"recommendations":     arrayOf(str("")),
})
