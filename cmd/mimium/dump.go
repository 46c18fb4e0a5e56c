package main

import (
	"fmt"
	"io"

	"github.com/mimium-go/mimium/internal/ast"
	"github.com/mimium-go/mimium/internal/bytecode"
	"github.com/mimium-go/mimium/internal/interner"
	"github.com/mimium-go/mimium/internal/mir"
)

var astKindNames = map[ast.Kind]string{
	ast.KindLiteralFloat:  "float",
	ast.KindLiteralInt:    "int",
	ast.KindLiteralBool:   "bool",
	ast.KindLiteralString: "string",
	ast.KindNow:           "now",
	ast.KindVar:           "var",
	ast.KindSelf:          "self",
	ast.KindBlock:         "block",
	ast.KindLet:           "let",
	ast.KindLetRec:        "letrec",
	ast.KindLambda:        "lambda",
	ast.KindApply:         "apply",
	ast.KindIf:            "if",
	ast.KindTuple:         "tuple",
	ast.KindProj:          "proj",
	ast.KindFeed:          "feed",
	ast.KindMem:           "mem",
	ast.KindDelay:         "delay",
	ast.KindBinOp:         "binop",
	ast.KindUnOp:          "unop",
}

// dumpAST writes an indented tree of n to w, for --emit-ast.
func dumpAST(w io.Writer, n *ast.Node, depth int) {
	if n == nil {
		return
	}
	indent(w, depth)
	name := astKindNames[n.Kind]
	switch n.Kind {
	case ast.KindLiteralFloat:
		fmt.Fprintf(w, "%s %g\n", name, n.Float)
	case ast.KindLiteralInt:
		fmt.Fprintf(w, "%s %d\n", name, n.Int)
	case ast.KindLiteralBool:
		fmt.Fprintf(w, "%s %t\n", name, n.Bool)
	case ast.KindVar, ast.KindSelf:
		fmt.Fprintf(w, "%s %d\n", name, n.Name)
	case ast.KindBinOp:
		fmt.Fprintf(w, "%s op=%d\n", name, n.BOp)
		dumpAST(w, n.Left, depth+1)
		dumpAST(w, n.Right, depth+1)
	case ast.KindUnOp:
		fmt.Fprintf(w, "%s op=%d\n", name, n.UOp)
		dumpAST(w, n.Value, depth+1)
	case ast.KindLambda:
		fmt.Fprintf(w, "%s params=%v\n", name, n.Params)
		dumpAST(w, n.Body, depth+1)
	case ast.KindApply:
		fmt.Fprintln(w, name)
		dumpAST(w, n.Callee, depth+1)
		for _, a := range n.Args {
			dumpAST(w, a, depth+1)
		}
	case ast.KindIf:
		fmt.Fprintln(w, name)
		dumpAST(w, n.Cond, depth+1)
		dumpAST(w, n.Then, depth+1)
		dumpAST(w, n.Else, depth+1)
	case ast.KindBlock:
		fmt.Fprintln(w, name)
		for _, s := range n.Stmts {
			dumpAST(w, s, depth+1)
		}
	case ast.KindLet, ast.KindLetRec, ast.KindFeed:
		fmt.Fprintf(w, "%s name=%d\n", name, n.Name)
		dumpAST(w, n.Value, depth+1)
		dumpAST(w, n.Body, depth+1)
	case ast.KindTuple:
		fmt.Fprintln(w, name)
		for _, e := range n.Elems {
			dumpAST(w, e, depth+1)
		}
	case ast.KindProj:
		fmt.Fprintf(w, "%s index=%d\n", name, n.Index)
		dumpAST(w, n.Tuple, depth+1)
	case ast.KindMem:
		fmt.Fprintln(w, name)
		dumpAST(w, n.Value, depth+1)
	case ast.KindDelay:
		fmt.Fprintf(w, "%s maxsize=%d\n", name, n.MaxSize)
		dumpAST(w, n.Value, depth+1)
		dumpAST(w, n.Cond, depth+1)
	default:
		fmt.Fprintln(w, name)
	}
}

func indent(w io.Writer, depth int) {
	for i := 0; i < depth; i++ {
		fmt.Fprint(w, "  ")
	}
}

// dumpMIR writes every function's blocks and statements to w, for
// --emit-mir.
func dumpMIR(w io.Writer, m *mir.Mir) {
	for fi, fn := range m.Functions {
		fmt.Fprintf(w, "fn#%d %s(%d args) state=%d\n", fi, fn.Label, len(fn.Args), fn.StateSize)
		for bi, blk := range fn.Body {
			fmt.Fprintf(w, "  block %d %q\n", bi, blk.Name)
			for _, s := range blk.Stmts {
				fmt.Fprintf(w, "    %%%d = %s\n", s.Dst, dumpMIRInst(s.Inst))
			}
		}
	}
}

func dumpMIRInst(ins mir.Instruction) string {
	parts := fmt.Sprintf("op%d", ins.Op)
	if ins.A != nil {
		parts += " a=" + ins.A.String()
	}
	if ins.B != nil {
		parts += " b=" + ins.B.String()
	}
	if ins.Val != nil {
		parts += " val=" + ins.Val.String()
	}
	if ins.Callee != nil {
		parts += " callee=" + ins.Callee.String()
		for _, a := range ins.Args {
			parts += " arg=" + a.String()
		}
	}
	if ins.Cond != nil {
		parts += fmt.Sprintf(" cond=%s then=%d else=%d", ins.Cond.String(), ins.ThenBlock, ins.ElseBlock)
	}
	if ins.Ret != nil {
		parts += " ret=" + ins.Ret.String()
	}
	if ins.Input != nil {
		parts += " input=" + ins.Input.String()
	}
	if ins.Time != nil {
		parts += " time=" + ins.Time.String()
	}
	return parts
}

// dumpBytecode writes every function prototype's instructions to w,
// for --emit-bytecode.
func dumpBytecode(w io.Writer, prog *bytecode.Program, symtab *interner.Table) {
	for i, entry := range prog.GlobalFnTable {
		fmt.Fprintf(w, "fn#%d %s nargs=%d state=%d\n", i, entry.Proto.Name, entry.Proto.Nargs, entry.Proto.StateSize)
		for pc, ins := range entry.Proto.Bytecodes {
			fmt.Fprintf(w, "  %4d  %s\n", pc, ins)
		}
	}
	if len(prog.ExtFunTable) > 0 {
		fmt.Fprintln(w, "ext_fun_table:")
		for i, e := range prog.ExtFunTable {
			fmt.Fprintf(w, "  %d %s\n", i, symtab.String(e.Name))
		}
	}
}
