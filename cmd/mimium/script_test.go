package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mimium-go/mimium/internal/ast"
	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/types"
)

func TestLoadScriptLiterals(t *testing.T) {
	symtab := interner.NewTable()

	n, err := loadScript([]byte(`{"kind":"float","float":1.5}`), symtab)
	require.NoError(t, err)
	assert.Equal(t, ast.KindLiteralFloat, n.Kind)
	assert.Equal(t, 1.5, n.Float)
	assert.Same(t, types.TFloat, n.Type)

	n, err = loadScript([]byte(`{"kind":"int","int":7}`), symtab)
	require.NoError(t, err)
	assert.Equal(t, ast.KindLiteralInt, n.Kind)
	assert.Equal(t, int64(7), n.Int)

	n, err = loadScript([]byte(`{"kind":"bool","bool":true}`), symtab)
	require.NoError(t, err)
	assert.Equal(t, ast.KindLiteralBool, n.Kind)
	assert.True(t, n.Bool)
}

func TestLoadScriptInternsNamesConsistently(t *testing.T) {
	symtab := interner.NewTable()
	n, err := loadScript([]byte(`{"kind":"var","name":"x"}`), symtab)
	require.NoError(t, err)
	assert.Equal(t, symtab.Intern("x"), n.Name)
}

func TestLoadScriptLambdaAndApply(t *testing.T) {
	symtab := interner.NewTable()
	src := `{
		"kind": "apply",
		"callee": {
			"kind": "lambda",
			"params": ["x", "y"],
			"body": {"kind": "binop", "bop": "add", "left": {"kind": "var", "name": "x"}, "right": {"kind": "var", "name": "y"}}
		},
		"args": [{"kind": "float", "float": 1}, {"kind": "float", "float": 2}]
	}`
	n, err := loadScript([]byte(src), symtab)
	require.NoError(t, err)
	require.Equal(t, ast.KindApply, n.Kind)

	lambda := n.Callee
	require.Equal(t, ast.KindLambda, lambda.Kind)
	require.Len(t, lambda.Params, 2)
	assert.Equal(t, symtab.Intern("x"), lambda.Params[0])
	assert.Equal(t, symtab.Intern("y"), lambda.Params[1])

	body := lambda.Body
	require.Equal(t, ast.KindBinOp, body.Kind)
	assert.Equal(t, ast.BinAdd, body.BOp)
	assert.Equal(t, symtab.Intern("x"), body.Left.Name)
	assert.Equal(t, symtab.Intern("y"), body.Right.Name)

	require.Len(t, n.Args, 2)
	assert.Equal(t, 1.0, n.Args[0].Float)
	assert.Equal(t, 2.0, n.Args[1].Float)
}

func TestLoadScriptDelayUsesTimeFieldNotRight(t *testing.T) {
	symtab := interner.NewTable()
	src := `{
		"kind": "delay",
		"value": {"kind": "var", "name": "sig"},
		"time": {"kind": "float", "float": 0.5},
		"maxsize": 44100
	}`
	n, err := loadScript([]byte(src), symtab)
	require.NoError(t, err)
	require.Equal(t, ast.KindDelay, n.Kind)
	assert.Equal(t, symtab.Intern("sig"), n.Value.Name)
	require.NotNil(t, n.Cond, "Delay's time expression must land in Cond, matching ast.Node's KindDelay field reuse")
	assert.Equal(t, 0.5, n.Cond.Float)
	assert.Equal(t, 44100, n.MaxSize)
}

func TestLoadScriptFeedMirrorsLetShape(t *testing.T) {
	symtab := interner.NewTable()
	src := `{
		"kind": "feed",
		"name": "acc",
		"value": {"kind": "float", "float": 0},
		"body": {"kind": "var", "name": "acc"}
	}`
	n, err := loadScript([]byte(src), symtab)
	require.NoError(t, err)
	require.Equal(t, ast.KindFeed, n.Kind)
	assert.Equal(t, symtab.Intern("acc"), n.Name)
	assert.Equal(t, ast.KindLiteralFloat, n.Value.Kind)
	assert.Equal(t, ast.KindVar, n.Body.Kind)
}

func TestLoadScriptTupleAndProj(t *testing.T) {
	symtab := interner.NewTable()
	src := `{
		"kind": "proj",
		"index": 1,
		"tuple": {"kind": "tuple", "elems": [{"kind": "float", "float": 1}, {"kind": "int", "int": 2}]}
	}`
	n, err := loadScript([]byte(src), symtab)
	require.NoError(t, err)
	require.Equal(t, ast.KindProj, n.Kind)
	assert.Equal(t, 1, n.Index)
	require.Equal(t, types.Tuple, n.Tuple.Type.Kind)
	assert.Len(t, n.Tuple.Type.Elems, 2)
}

func TestLoadScriptRejectsUnknownKind(t *testing.T) {
	symtab := interner.NewTable()
	_, err := loadScript([]byte(`{"kind":"nonsense"}`), symtab)
	assert.Error(t, err)
}

func TestLoadScriptRejectsUnknownOperator(t *testing.T) {
	symtab := interner.NewTable()
	_, err := loadScript([]byte(`{"kind":"binop","bop":"xor","left":{"kind":"float","float":1},"right":{"kind":"float","float":2}}`), symtab)
	assert.Error(t, err)
}

func TestLoadScriptRejectsMalformedJSON(t *testing.T) {
	symtab := interner.NewTable()
	_, err := loadScript([]byte(`not json`), symtab)
	assert.Error(t, err)
}
