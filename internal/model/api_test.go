package model_test

import (
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func validRequest() model.PutLabelRequest {
	return model.PutLabelRequest{
		SpanID:      uuid.New(),
		ClassID:     uuid.New(),
		LabelName:   "relevance",
		ValueKey:    "relevant",
		Value:       0.8,
		LabelSource: "AUTO",
	}
}

// ---- PutLabelRequest.Validate -------------------------------------------

func TestPutLabelRequest_HappyPath(t *testing.T) {
	assert.NoError(t, validRequest().Validate())
}

func TestPutLabelRequest_MissingSpan(t *testing.T) {
	r := validRequest()
	r.SpanID = uuid.Nil
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "span_id")
}

func TestPutLabelRequest_MissingClass(t *testing.T) {
	r := validRequest()
	r.ClassID = uuid.Nil
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "class_id")
}

func TestPutLabelRequest_LabelNameAtExactMax(t *testing.T) {
	r := validRequest()
	r.LabelName = strings.Repeat("x", model.MaxLabelNameLen)
	assert.NoError(t, r.Validate(), "at the limit should pass")
}

func TestPutLabelRequest_LabelNameOverMax(t *testing.T) {
	r := validRequest()
	r.LabelName = strings.Repeat("x", model.MaxLabelNameLen+1)
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label_name")
}

func TestPutLabelRequest_ReasoningOverMax(t *testing.T) {
	r := validRequest()
	r.Reasoning = ptr(strings.Repeat("x", model.MaxReasoningLen+1))
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reasoning")
}

func TestPutLabelRequest_NonFiniteValue(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		r := validRequest()
		r.Value = v
		assert.Error(t, r.Validate(), "value %v should be rejected", v)
	}
}

func TestPutLabelRequest_NoRangeConstraintOnValue(t *testing.T) {
	r := validRequest()
	r.Value = -42.5
	assert.NoError(t, r.Validate())
}

func TestPutLabelRequest_UnknownSource(t *testing.T) {
	r := validRequest()
	r.LabelSource = "robot"
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "label source")
}

func TestPutLabelRequest_EmailOnlyForManual(t *testing.T) {
	r := validRequest()
	r.UserEmail = ptr("ana@example.com")
	err := r.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_email")

	r.LabelSource = "MANUAL"
	assert.NoError(t, r.Validate())
}

func TestPutLabelRequest_InvalidEmail(t *testing.T) {
	r := validRequest()
	r.LabelSource = "manual"
	r.UserEmail = ptr("not an email")
	assert.Error(t, r.Validate())
}

// ---- LabelSource ----------------------------------------------------------

func TestPutLabelRequest_SourceVariants(t *testing.T) {
	r := validRequest()
	r.LabelSource = "MANUAL"
	r.UserEmail = ptr("ana@example.com")
	assert.Equal(t, model.ManualSource{UserEmail: "ana@example.com"}, r.Source())

	r = validRequest()
	r.LabelSource = "evaluator"
	assert.Equal(t, model.EvaluatorSource{}, r.Source())

	r.LabelSource = "CODE"
	assert.Equal(t, model.ProgrammaticSource{}, r.Source())
}

func TestSourceFromStored(t *testing.T) {
	src, err := model.SourceFromStored("MANUAL", ptr("ana@example.com"))
	require.NoError(t, err)
	assert.Equal(t, model.ManualSource{UserEmail: "ana@example.com"}, src)
	assert.Equal(t, "ana@example.com", *model.UserEmail(src))

	src, err = model.SourceFromStored("AUTO", nil)
	require.NoError(t, err)
	assert.Equal(t, model.SourceKindEvaluator, src.Kind())
	assert.Nil(t, model.UserEmail(src), "only manual labels carry an author")

	_, err = model.SourceFromStored("BOGUS", nil)
	assert.Error(t, err)
}

func TestLabelView(t *testing.T) {
	l := model.Label{
		ID:      uuid.New(),
		SpanID:  uuid.New(),
		ClassID: uuid.New(),
		Value:   0.95,
		Source:  model.ManualSource{UserEmail: "ana@example.com"},
	}
	v := l.View()
	assert.Equal(t, model.SourceKindManual, v.LabelSource)
	require.NotNil(t, v.UserEmail)
	assert.Equal(t, "ana@example.com", *v.UserEmail)
	assert.Equal(t, 0.95, v.Value)
}
