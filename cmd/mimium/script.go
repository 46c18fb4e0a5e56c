package main

import (
	"encoding/json"
	"fmt"

	"github.com/mimium-go/mimium/internal/ast"
	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/types"
)

// scriptNode is a JSON-friendly mirror of ast.Node. Real source parsing
// is out of scope (spec.md §1): this is the documented stand-in a
// front end would otherwise produce, letting this CLI accept a script
// as a plain JSON expression tree instead of mimium surface syntax.
// Names are plain strings here and interned on conversion; types are
// either inferred from the literal kind or named explicitly via the
// optional "type" field ("float", "int", "bool" — float if omitted).
type scriptNode struct {
	Kind string `json:"kind"`

	Float float64 `json:"float,omitempty"`
	Int   int64   `json:"int,omitempty"`
	Bool  bool    `json:"bool,omitempty"`

	Type string `json:"type,omitempty"`

	Name   string   `json:"name,omitempty"`
	Params []string `json:"params,omitempty"`

	Body   *scriptNode   `json:"body,omitempty"`
	Callee *scriptNode   `json:"callee,omitempty"`
	Args   []*scriptNode `json:"args,omitempty"`

	Cond *scriptNode `json:"cond,omitempty"`
	Then *scriptNode `json:"then,omitempty"`
	Else *scriptNode `json:"else,omitempty"`

	Stmts []*scriptNode `json:"stmts,omitempty"`
	Value *scriptNode   `json:"value,omitempty"`
	Elems []*scriptNode `json:"elems,omitempty"`

	Tuple *scriptNode `json:"tuple,omitempty"`
	Index int         `json:"index,omitempty"`

	MaxSize int `json:"maxsize,omitempty"`

	BOp   string      `json:"bop,omitempty"`
	Left  *scriptNode `json:"left,omitempty"`
	Right *scriptNode `json:"right,omitempty"`

	UOp string `json:"uop,omitempty"`

	Time *scriptNode `json:"time,omitempty"` // KindDelay
}

var scriptKinds = map[string]ast.Kind{
	"float": ast.KindLiteralFloat, "int": ast.KindLiteralInt,
	"bool": ast.KindLiteralBool, "string": ast.KindLiteralString,
	"now": ast.KindNow, "var": ast.KindVar, "self": ast.KindSelf,
	"block": ast.KindBlock, "let": ast.KindLet, "letrec": ast.KindLetRec,
	"lambda": ast.KindLambda, "apply": ast.KindApply, "if": ast.KindIf,
	"tuple": ast.KindTuple, "proj": ast.KindProj, "feed": ast.KindFeed,
	"mem": ast.KindMem, "delay": ast.KindDelay,
	"binop": ast.KindBinOp, "unop": ast.KindUnOp,
}

var scriptBinOps = map[string]ast.BinOp{
	"add": ast.BinAdd, "sub": ast.BinSub, "mul": ast.BinMul, "div": ast.BinDiv,
	"mod": ast.BinMod, "pow": ast.BinPow, "log": ast.BinLog,
	"eq": ast.BinEq, "ne": ast.BinNe, "gt": ast.BinGt, "ge": ast.BinGe,
	"lt": ast.BinLt, "le": ast.BinLe, "and": ast.BinAnd, "or": ast.BinOr,
}

var scriptUnOps = map[string]ast.UnOp{
	"neg": ast.UnNeg, "abs": ast.UnAbs, "sqrt": ast.UnSqrt,
	"sin": ast.UnSin, "cos": ast.UnCos, "not": ast.UnNot,
	"castftoi": ast.UnCastFtoI, "castitof": ast.UnCastItoF, "castitob": ast.UnCastItoB,
}

func scriptType(name string) *types.Type {
	switch name {
	case "int":
		return types.TInt
	case "bool":
		return types.TBool
	default:
		return types.TFloat
	}
}

// loadScript decodes a JSON expression tree and converts it to
// *ast.Node, interning every name through symtab.
func loadScript(data []byte, symtab *interner.Table) (*ast.Node, error) {
	var root scriptNode
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("mimium: decoding script: %w", err)
	}
	return root.toAST(symtab)
}

func (n *scriptNode) toAST(symtab *interner.Table) (*ast.Node, error) {
	if n == nil {
		return nil, nil
	}
	kind, ok := scriptKinds[n.Kind]
	if !ok {
		return nil, fmt.Errorf("mimium: unknown script node kind %q", n.Kind)
	}

	out := &ast.Node{Kind: kind, Type: scriptType(n.Type)}

	var err error
	conv := func(c *scriptNode) *ast.Node {
		if err != nil || c == nil {
			return nil
		}
		var r *ast.Node
		r, err = c.toAST(symtab)
		return r
	}
	convSlice := func(cs []*scriptNode) []*ast.Node {
		if err != nil || cs == nil {
			return nil
		}
		rs := make([]*ast.Node, len(cs))
		for i, c := range cs {
			rs[i] = conv(c)
		}
		return rs
	}

	switch kind {
	case ast.KindLiteralFloat:
		out.Float = n.Float
		out.Type = types.TFloat
	case ast.KindLiteralInt:
		out.Int = n.Int
		out.Type = types.TInt
	case ast.KindLiteralBool:
		out.Bool = n.Bool
		out.Type = types.TBool
	case ast.KindLiteralString:
		// Strings carry no VM-level representation (spec.md's value
		// model is Float/Int/Bool/Function/Tuple/Struct); kept only so
		// a script can hold them as otherwise-unused literals.
	case ast.KindNow:
	case ast.KindVar, ast.KindSelf:
		out.Name = symtab.Intern(n.Name)
	case ast.KindBlock:
		out.Stmts = convSlice(n.Stmts)
	case ast.KindLet, ast.KindLetRec:
		out.Name = symtab.Intern(n.Name)
		out.Value = conv(n.Value)
		out.Body = conv(n.Body)
	case ast.KindLambda:
		out.Params = make([]interner.Symbol, len(n.Params))
		out.ParamTypes = make([]*types.Type, len(n.Params))
		for i, p := range n.Params {
			out.Params[i] = symtab.Intern(p)
			out.ParamTypes[i] = types.TFloat
		}
		out.Body = conv(n.Body)
	case ast.KindApply:
		out.Callee = conv(n.Callee)
		out.Args = convSlice(n.Args)
	case ast.KindIf:
		out.Cond = conv(n.Cond)
		out.Then = conv(n.Then)
		out.Else = conv(n.Else)
	case ast.KindTuple:
		out.Elems = convSlice(n.Elems)
		elemTypes := make([]*types.Type, len(out.Elems))
		for i, e := range out.Elems {
			elemTypes[i] = e.Type
		}
		out.Type = &types.Type{Kind: types.Tuple, Elems: elemTypes}
	case ast.KindProj:
		out.Tuple = conv(n.Tuple)
		out.Index = n.Index
	case ast.KindFeed:
		out.Name = symtab.Intern(n.Name)
		out.Value = conv(n.Value)
		out.Body = conv(n.Body)
	case ast.KindMem:
		out.Value = conv(n.Value)
	case ast.KindDelay:
		out.Value = conv(n.Value)
		out.Cond = conv(n.Time) // time expression, see ast.Node.KindDelay doc
		out.MaxSize = n.MaxSize
	case ast.KindBinOp:
		bop, ok := scriptBinOps[n.BOp]
		if !ok {
			return nil, fmt.Errorf("mimium: unknown binary operator %q", n.BOp)
		}
		out.BOp = bop
		out.Left = conv(n.Left)
		out.Right = conv(n.Right)
	case ast.KindUnOp:
		uop, ok := scriptUnOps[n.UOp]
		if !ok {
			return nil, fmt.Errorf("mimium: unknown unary operator %q", n.UOp)
		}
		out.UOp = uop
		out.Value = conv(n.Value)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
