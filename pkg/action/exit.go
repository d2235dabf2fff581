package action

import "fmt"

// Exit records a (possibly conditional) control transfer out of a block.
type Exit struct {
	common

	Kind      ExitKind
	Target    *Object
	Condition *Object
}

// NewExit creates an exit action. When no condition is supplied the exit is
// classified as conditional, matching the convention of the interpretation
// subsystem where the default exit carries its guard separately.
func NewExit(site Site, target, condition *Object) *Exit {
	kind := ExitDefault
	if condition == nil {
		kind = ExitConditional
	}
	return &Exit{
		common:    common{site: site},
		Kind:      kind,
		Target:    target,
		Condition: condition,
	}
}

func (e *Exit) objects() []*Object {
	var objs []*Object
	if e.Target != nil {
		objs = append(objs, e.Target)
	}
	if e.Condition != nil {
		objs = append(objs, e.Condition)
	}
	return objs
}

func (e *Exit) TmpDeps() []int {
	return unionTmpDeps(e.objects(), nil)
}

func (e *Exit) RegDeps() []uint64 {
	return unionRegDeps(e.objects(), nil)
}

// Copy returns a deep copy of the exit action.
func (e *Exit) Copy() Action {
	return &Exit{
		common:    e.common,
		Kind:      e.Kind,
		Target:    e.Target.Copy(),
		Condition: e.Condition.Copy(),
	}
}

func (e *Exit) String() string {
	if e.site.Procedure != "" {
		return fmt.Sprintf("<Exit %s() %s>", e.site.Procedure, e.Kind)
	}
	return fmt.Sprintf("<Exit %#x:%d %s>", e.site.BlockAddr, e.site.StmtIdx, e.Kind)
}
