package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/store"
	"github.com/c360studio/semflow/variables"
	"github.com/c360studio/semflow/vocabulary/run"
)

func TestEvalGuards(t *testing.T) {
	g := store.NewGraph(run.GraphInst)
	vars := variables.New(g, 0)
	ev := New(g)
	inst := store.IRI(run.InstanceNS + "i1")

	require.NoError(t, vars.Set(inst, "amount", "150", run.XSDDecimal, nil))
	require.NoError(t, vars.Set(inst, "approved", "true", run.XSDBoolean, nil))
	require.NoError(t, vars.Set(inst, "customer", "acme", run.XSDString, nil))

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty is unconditional", "", true},
		{"gte true", "${amount >= 100}", true},
		{"gte false", "${amount >= 200}", false},
		{"word operator", "${amount gte 100}", true},
		{"lt", "${amount < 100}", false},
		{"neq", "${customer != 'other'}", true},
		{"string equality quoted", `${customer == "acme"}`, true},
		{"boolean", "${approved == true}", true},
		{"missing variable false", "${ghost > 0}", false},
		{"truthy set", "${approved}", true},
		{"truthy missing", "${nothere}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Eval(inst, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "expr %q", tt.expr)
		})
	}
}

func TestEvalAskPassthrough(t *testing.T) {
	g := store.NewGraph(run.GraphInst)
	vars := variables.New(g, 0)
	ev := New(g)
	inst := store.IRI(run.InstanceNS + "i1")

	require.NoError(t, vars.Set(inst, "amount", "150", run.XSDDecimal, nil))

	ok, err := ev.Eval(inst, `ASK { ${instance} var:amount ?v . FILTER(?v > 100) }`)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Eval(inst, `ASK { ${instance} var:amount ?v . FILTER(?v > 1000) }`)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalRejectsUnknownGrammar(t *testing.T) {
	g := store.NewGraph(run.GraphInst)
	ev := New(g)
	inst := store.IRI(run.InstanceNS + "i1")

	_, err := ev.Eval(inst, "amount >>> 12")
	assert.ErrorIs(t, err, ErrBadExpression)
}

func TestEvalInt(t *testing.T) {
	g := store.NewGraph(run.GraphInst)
	vars := variables.New(g, 0)
	ev := New(g)
	inst := store.IRI(run.InstanceNS + "i1")

	require.NoError(t, vars.Set(inst, "count", "5", run.XSDInteger, nil))

	n, err := ev.EvalInt(inst, "7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = ev.EvalInt(inst, "${count}")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = ev.EvalInt(inst, "${missing}")
	assert.ErrorIs(t, err, ErrBadExpression)
}
