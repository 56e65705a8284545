package valueconv

import (
	"math"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/crdtbridge/internal/bridgeerrors"
	"github.com/ruvnet/crdtbridge/internal/memcrdt"
)

func TestClassify(t *testing.T) {
	doc := memcrdt.New()
	m := doc.NewMap()
	l := doc.NewList()
	leaf := doc.NewLeaf()

	assert.Equal(t, KindPrimitive, Classify(nil, nil))
	assert.Equal(t, KindPrimitive, Classify("hi", nil))
	assert.Equal(t, KindPrimitive, Classify(42, nil))
	assert.Equal(t, KindPrimitive, Classify(3.14, nil))
	assert.Equal(t, KindMapNode, Classify(m, nil))
	assert.Equal(t, KindListNode, Classify(l, nil))
	assert.Equal(t, KindLeafOpaque, Classify(leaf, nil))
	assert.Equal(t, KindPlainObject, Classify(map[string]any{"a": 1}, nil))
	assert.Equal(t, KindPlainArray, Classify([]any{1, 2}, nil))
	assert.Equal(t, KindUnsupported, Classify(make(chan int), nil))
}

func TestSubstitute(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := Substitute(ts)
	require.NoError(t, err)
	assert.Equal(t, ts.Format(time.RFC3339Nano), got)

	re := regexp.MustCompile(`^a.*z$`)
	got, err = Substitute(re)
	require.NoError(t, err)
	assert.Equal(t, re.String(), got)

	u, _ := url.Parse("https://example.com/path")
	got, err = Substitute(u)
	require.NoError(t, err)
	assert.Equal(t, u.String(), got)

	_, err = Substitute(make(chan int))
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.UnsupportedValue))
}

func TestValidatePrimitiveRejectsNonFinite(t *testing.T) {
	err := ValidatePrimitive(math.NaN())
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.UnsupportedValue))

	err = ValidatePrimitive(math.Inf(1))
	require.Error(t, err)

	require.NoError(t, ValidatePrimitive(1.5))
}

func TestDeepValidateAbsentInObject(t *testing.T) {
	err := DeepValidate(map[string]any{"a": Absent{}})
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.AbsentValueInObject))

	require.NoError(t, DeepValidate(map[string]any{"a": 1, "b": []any{"x", nil}}))

	err = DeepValidate(Absent{})
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.UnsupportedValue))
}

func TestToCRDTRoundTrip(t *testing.T) {
	doc := memcrdt.New()

	v := map[string]any{
		"name": "Ada",
		"tags": []any{"x", "y"},
		"nested": map[string]any{
			"n": 1,
		},
	}

	cv, err := ToCRDT(v, doc, nil)
	require.NoError(t, err)

	plain := ToPlain(cv)
	assert.Equal(t, v, plain)
}

func TestToCRDTRejectsReparentedNode(t *testing.T) {
	doc := memcrdt.New()
	inner := doc.NewMap()
	outer := doc.NewMap()
	outer.Set("child", inner)

	_, err := ToCRDT(inner, doc, nil)
	require.Error(t, err)
	assert.True(t, bridgeerrors.Is(err, bridgeerrors.Reparenting))
}
