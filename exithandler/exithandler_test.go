package exithandler_test

import (
	"testing"

	"microhv/exithandler"
)

func TestDefaultTableFallsBackToEmptyHandler(t *testing.T) {
	tbl := exithandler.NewDefaultTable()
	ctx := &exithandler.Context{}
	tbl.Handle(exithandler.ReasonCPUID, ctx)
	if _, _, _, pending := ctx.PendingInjection(); pending {
		t.Fatal("expected the default CPUID handler to be a no-op")
	}
}

func TestDefaultTableInjectsUDForVMXInstructions(t *testing.T) {
	tbl := exithandler.NewDefaultTable()
	ctx := &exithandler.Context{}
	tbl.Handle(exithandler.ReasonVMLaunch, ctx)

	info, _, _, pending := ctx.PendingInjection()
	if !pending {
		t.Fatal("expected a pending #UD injection for VMLAUNCH")
	}
	if info&0xFF != 6 {
		t.Fatalf("injected vector = %d, want 6 (#UD)", info&0xFF)
	}
	if !ctx.SuppressRipAdjust {
		t.Fatal("expected SuppressRipAdjust for an injected exception")
	}
}

func TestSetOverridesDefault(t *testing.T) {
	tbl := exithandler.NewDefaultTable()
	called := false
	tbl.Set(exithandler.ReasonCPUID, func(ctx *exithandler.Context) { called = true })

	tbl.Handle(exithandler.ReasonCPUID, &exithandler.Context{})
	if !called {
		t.Fatal("expected the overridden handler to run")
	}
}

func TestHandleOutOfRangeIsNoOp(t *testing.T) {
	tbl := exithandler.NewDefaultTable()
	tbl.Handle(999, &exithandler.Context{})
}

func TestCompositeHandlerRunsEveryChild(t *testing.T) {
	var order []int
	a := exithandler.NewDefaultTable()
	a.Set(exithandler.ReasonHLT, func(ctx *exithandler.Context) { order = append(order, 1) })
	b := exithandler.NewDefaultTable()
	b.Set(exithandler.ReasonHLT, func(ctx *exithandler.Context) { order = append(order, 2) })

	c := &exithandler.CompositeHandler{Children: []*exithandler.Table{a, b}}
	c.Handle(exithandler.ReasonHLT, &exithandler.Context{})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("composite order = %v, want [1 2]", order)
	}
}
