package revdb

import (
	"slices"
	"sort"
)

// Projection is an immutable snapshot of a view's computed output: row ids in
// view order, grouped when the view groups. Seq is the revision the snapshot
// reflects; Stale means a reconfiguration or a schema change has been
// committed and a full recompute has not landed yet, so the snapshot still
// reflects the previous configuration.
type Projection struct {
	ViewID string
	Seq    uint64
	Stale  bool
	RowIDs []string
	Groups []ProjectionGroup
}

type ProjectionGroup struct {
	Key    string
	RowIDs []string
}

// Rows returns every row id in the projection in order, flattening groups.
func (p *Projection) Rows() []string {
	if p.Groups == nil {
		return slices.Clone(p.RowIDs)
	}
	var ids []string
	for _, g := range p.Groups {
		ids = append(ids, g.RowIDs...)
	}
	return ids
}

// viewState is the live counterpart of one view: the materialized projection
// plus the bookkeeping that keeps it incrementally maintained. All mutation
// happens under the owning Database's write lock.
//
// activeCfg is the configuration the projection was computed under. After a
// reconfiguration commits, pendingCfg holds the new configuration and stale
// flips on; the old projection keeps serving reads and keeps absorbing row
// changes until the scheduled recompute swaps it out. gen fences recomputes:
// each reconfiguration bumps it, and a recompute that finishes with an old
// generation is discarded.
type viewState struct {
	id         string
	activeCfg  *ViewConfig
	pendingCfg *ViewConfig
	lastSeq    uint64
	stale      bool
	gen        uint64
	scheduled  uint64 // last gen a recompute was submitted for

	order     []string            // ungrouped views
	groups    map[string][]string // group key -> ordered row ids
	groupKeys []string
}

func newViewState(id string, cfg *ViewConfig) *viewState {
	return &viewState{id: id, pendingCfg: cfg, stale: true}
}

// applyDelta folds one committed revision into the projection. Calls are
// idempotent on sequence number so replays are harmless.
func (vs *viewState) applyDelta(st *store, d *Delta) {
	if d.Seq <= vs.lastSeq {
		return
	}
	vs.lastSeq = d.Seq

	for _, ch := range d.Views {
		if ch.ViewID() != vs.id {
			continue
		}
		switch ch.Kind {
		case ChangeInsert, ChangeUpdate:
			vs.pendingCfg = ch.View.Clone()
			vs.stale = true
			vs.gen++
		}
	}
	for _, ch := range d.Fields {
		if ch.Kind == ChangeUpdate && vs.activeCfg != nil && vs.activeCfg.references(ch.FieldID()) && fieldSemanticsChanged(ch.OldField, ch.Field) {
			if vs.pendingCfg == nil {
				vs.pendingCfg = vs.activeCfg
			}
			vs.stale = true
			vs.gen++
		}
	}
	if vs.activeCfg == nil {
		return
	}
	for _, ch := range d.Rows {
		vs.applyRowChange(st, ch)
	}
}

func fieldSemanticsChanged(old, next *Field) bool {
	return old.Type != next.Type || !slices.Equal(old.Options, next.Options)
}

func (vs *viewState) applyRowChange(st *store, ch RowChange) {
	switch ch.Kind {
	case ChangeInsert:
		if r := st.row(ch.Row.ID); r != nil && matchRow(&st.schema, vs.activeCfg, r) {
			vs.insertRow(st, r)
		}
	case ChangeDelete:
		vs.removeRow(st, ch.OldRow)
	case ChangeUpdate, ChangeMove:
		vs.removeRow(st, ch.OldRow)
		if r := st.row(ch.RowID()); r != nil && matchRow(&st.schema, vs.activeCfg, r) {
			vs.insertRow(st, r)
		}
	}
}

func (vs *viewState) grouped() bool {
	return vs.activeCfg != nil && vs.activeCfg.GroupBy != ""
}

func (vs *viewState) insertRow(st *store, r *Row) {
	if !vs.grouped() {
		vs.order = vs.sortedInsert(st, vs.order, r)
		return
	}
	key := groupKey(&st.schema, vs.activeCfg, r)
	ids, ok := vs.groups[key]
	if !ok {
		vs.insertGroupKey(st, key)
	}
	vs.groups[key] = vs.sortedInsert(st, ids, r)
}

func (vs *viewState) removeRow(st *store, old *Row) {
	if old == nil {
		return
	}
	if !vs.grouped() {
		if i := slices.Index(vs.order, old.ID); i >= 0 {
			vs.order = slices.Delete(vs.order, i, i+1)
		}
		return
	}
	key := groupKey(&st.schema, vs.activeCfg, old)
	if vs.removeFromGroup(key, old.ID) {
		return
	}
	// group key no longer computable from the old row (schema drifted
	// under a stale config); find the row wherever it is
	for k := range vs.groups {
		if vs.removeFromGroup(k, old.ID) {
			return
		}
	}
}

func (vs *viewState) removeFromGroup(key, rowID string) bool {
	ids, ok := vs.groups[key]
	if !ok {
		return false
	}
	i := slices.Index(ids, rowID)
	if i < 0 {
		return false
	}
	ids = slices.Delete(ids, i, i+1)
	if len(ids) == 0 {
		delete(vs.groups, key)
		if j := slices.Index(vs.groupKeys, key); j >= 0 {
			vs.groupKeys = slices.Delete(vs.groupKeys, j, j+1)
		}
	} else {
		vs.groups[key] = ids
	}
	return true
}

// sortedInsert places the row id at its sort position. The slice is totally
// ordered under compareRows (position and id break every tie), so binary
// search is exact.
func (vs *viewState) sortedInsert(st *store, ids []string, r *Row) []string {
	i := sort.Search(len(ids), func(i int) bool {
		other := st.row(ids[i])
		return other == nil || compareRows(&st.schema, vs.activeCfg, other, r) > 0
	})
	return slices.Insert(ids, i, r.ID)
}

func (vs *viewState) insertGroupKey(st *store, key string) {
	if vs.groups == nil {
		vs.groups = make(map[string][]string)
	}
	vs.groups[key] = nil
	i := sort.Search(len(vs.groupKeys), func(i int) bool {
		return groupKeyLess(&st.schema, vs.activeCfg, key, vs.groupKeys[i])
	})
	vs.groupKeys = slices.Insert(vs.groupKeys, i, key)
}

func groupKeyLess(sch *fieldSchema, cfg *ViewConfig, a, b string) bool {
	ra, ka := groupKeyRank(sch, cfg, a)
	rb, kb := groupKeyRank(sch, cfg, b)
	if ra != rb {
		return ra < rb
	}
	return ka < kb
}

// recompute rebuilds the projection from scratch against the current store
// under the given configuration and clears staleness.
func (vs *viewState) recompute(st *store, cfg *ViewConfig, seq uint64) {
	rows := make([]*Row, 0, len(st.order))
	for _, r := range st.order {
		if matchRow(&st.schema, cfg, r) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return compareRows(&st.schema, cfg, rows[i], rows[j]) < 0
	})

	vs.activeCfg = cfg
	vs.pendingCfg = nil
	vs.stale = false
	vs.lastSeq = seq
	vs.order = nil
	vs.groups = nil
	vs.groupKeys = nil

	if cfg.GroupBy == "" {
		vs.order = make([]string, len(rows))
		for i, r := range rows {
			vs.order[i] = r.ID
		}
		return
	}
	vs.groups = make(map[string][]string)
	for _, r := range rows {
		key := groupKey(&st.schema, cfg, r)
		if _, ok := vs.groups[key]; !ok {
			vs.insertGroupKey(st, key)
		}
		vs.groups[key] = append(vs.groups[key], r.ID)
	}
}

// snapshot copies the projection out for a caller holding at least a read
// lock.
func (vs *viewState) snapshot() *Projection {
	p := &Projection{ViewID: vs.id, Seq: vs.lastSeq, Stale: vs.stale}
	if vs.grouped() {
		p.Groups = make([]ProjectionGroup, 0, len(vs.groupKeys))
		for _, k := range vs.groupKeys {
			p.Groups = append(p.Groups, ProjectionGroup{Key: k, RowIDs: slices.Clone(vs.groups[k])})
		}
	} else {
		p.RowIDs = slices.Clone(vs.order)
	}
	return p
}
