package revdb

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// manualSched queues every submitted task until runAll, standing in for a
// busy background scheduler so tests can observe stale projections.
type manualSched struct {
	mu    sync.Mutex
	tasks []func(context.Context)
}

func (s *manualSched) Submit(key string, task func(ctx context.Context)) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()
}

func (s *manualSched) Close() {}

func (s *manualSched) runAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, task := range tasks {
		task(context.Background())
	}
}

func projectionOf(t testing.TB, db *Database, viewID string) *Projection {
	t.Helper()
	p, err := db.Projection(viewID)
	if err != nil {
		t.Fatalf("* Projection(%s): %v", viewID, err)
	}
	return p
}

func groupKeys(p *Projection) []string {
	keys := make([]string, len(p.Groups))
	for i, g := range p.Groups {
		keys[i] = g.Key
	}
	return keys
}

func TestView_filterAndSort(t *testing.T) {
	db := setup(t)
	title := addField(t, db, "Title", FieldTypeText)
	pts := addField(t, db, "Points", FieldTypeNumber)

	r1 := addRow(t, db, map[string]Value{title.ID: Text("a"), pts.ID: Number(3)})
	addRow(t, db, map[string]Value{title.ID: Text("b"), pts.ID: Number(1)})
	r3 := addRow(t, db, map[string]Value{title.ID: Text("c"), pts.ID: Number(5)})
	r4 := addRow(t, db, map[string]Value{title.ID: Text("d"), pts.ID: Number(2)})
	r5 := addRow(t, db, map[string]Value{title.ID: Text("e")})

	vid := must(db.ConfigureView(&ViewConfig{
		Name:    "Ready",
		Kind:    ViewGrid,
		Filters: []Filter{{Field: pts.ID, Op: FilterGte, Value: Number(2)}},
		Sorts:   []Sort{{Field: pts.ID, Desc: true}},
	})).View().ID

	proj := projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.Seq, db.TailSeq())
	deepEqual(t, proj.RowIDs, []string{r3.ID, r1.ID, r4.ID})

	// new matching rows slot in incrementally, in sort position
	r6 := addRow(t, db, map[string]Value{pts.ID: Number(4)})
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.RowIDs, []string{r3.ID, r6.ID, r1.ID, r4.ID})

	// dropping below the filter removes the row
	must(db.UpdateRowCells(r1.ID, map[string]Value{pts.ID: Number(1)}))
	deepEqual(t, projectionOf(t, db, vid).RowIDs, []string{r3.ID, r6.ID, r4.ID})

	// so does deleting it outright or clearing the filtered cell
	must(db.DeleteRow(r6.ID))
	must(db.UpdateRowCells(r4.ID, map[string]Value{pts.ID: EmptyValue}))
	deepEqual(t, projectionOf(t, db, vid).RowIDs, []string{r3.ID})

	// rows without the cell never matched to begin with
	must(db.Row(r5.ID))
	deepEqual(t, projectionOf(t, db, vid).Seq, db.TailSeq())
}

func TestView_grouping(t *testing.T) {
	db := setup(t)
	pts := addField(t, db, "Points", FieldTypeNumber)
	stage := addField(t, db, "Stage", FieldTypeSelect,
		SelectOption{ID: "s1", Name: "Todo"},
		SelectOption{ID: "s2", Name: "Doing"},
		SelectOption{ID: "s3", Name: "Done"})

	r1 := addRow(t, db, map[string]Value{pts.ID: Number(1), stage.ID: Select("s1")})
	r2 := addRow(t, db, map[string]Value{pts.ID: Number(1), stage.ID: Select("s2")})
	r3 := addRow(t, db, map[string]Value{pts.ID: Number(5), stage.ID: Select("s3")})
	r4 := addRow(t, db, nil)
	r5 := addRow(t, db, nil)

	vid := must(db.ConfigureView(&ViewConfig{
		Name:    "Board",
		Kind:    ViewBoard,
		GroupBy: stage.ID,
		Sorts:   []Sort{{Field: pts.ID, Desc: true}},
	})).View().ID

	// groups follow option order; the ungrouped bucket comes last
	proj := projectionOf(t, db, vid)
	deepEqual(t, proj.Groups, []ProjectionGroup{
		{Key: "s1", RowIDs: []string{r1.ID}},
		{Key: "s2", RowIDs: []string{r2.ID}},
		{Key: "s3", RowIDs: []string{r3.ID}},
		{Key: "", RowIDs: []string{r4.ID, r5.ID}},
	})
	deepEqual(t, proj.Rows(), []string{r1.ID, r2.ID, r3.ID, r4.ID, r5.ID})

	// setting the group cell moves the row between groups
	must(db.UpdateRowCells(r5.ID, map[string]Value{stage.ID: Select("s3")}))
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.Groups[2], ProjectionGroup{Key: "s3", RowIDs: []string{r3.ID, r5.ID}})
	deepEqual(t, proj.Groups[3], ProjectionGroup{Key: "", RowIDs: []string{r4.ID}})

	// an emptied group disappears
	must(db.DeleteRow(r4.ID))
	deepEqual(t, groupKeys(projectionOf(t, db, vid)), []string{"s1", "s2", "s3"})

	// new rows join their group in sort position
	r6 := addRow(t, db, map[string]Value{pts.ID: Number(9), stage.ID: Select("s1")})
	deepEqual(t, projectionOf(t, db, vid).Groups[0], ProjectionGroup{Key: "s1", RowIDs: []string{r6.ID, r1.ID}})

	// a reappearing group slots back by option order, not at the end
	must(db.DeleteRow(r2.ID))
	deepEqual(t, groupKeys(projectionOf(t, db, vid)), []string{"s1", "s3"})
	r7 := addRow(t, db, map[string]Value{stage.ID: Select("s2")})
	proj = projectionOf(t, db, vid)
	deepEqual(t, groupKeys(proj), []string{"s1", "s2", "s3"})
	deepEqual(t, proj.Groups[1].RowIDs, []string{r7.ID})
}

func TestView_staleUntilRecomputed(t *testing.T) {
	sched := &manualSched{}
	eng := setupEngine(t, nil, Options{Scheduler: sched})
	db := openTestDB(t, eng, "main")
	pts := addField(t, db, "Points", FieldTypeNumber)
	r1 := addRow(t, db, map[string]Value{pts.ID: Number(1)})
	r2 := addRow(t, db, map[string]Value{pts.ID: Number(2)})
	r3 := addRow(t, db, map[string]Value{pts.ID: Number(3)})

	vid := must(db.ConfigureView(&ViewConfig{
		Name:    "Big",
		Kind:    ViewGrid,
		Filters: []Filter{{Field: pts.ID, Op: FilterGte, Value: Number(2)}},
	})).View().ID

	// nothing computed yet
	proj := projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, true)
	deepEqual(t, len(proj.RowIDs), 0)

	sched.runAll()
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.RowIDs, []string{r2.ID, r3.ID})

	// a reconfiguration leaves the old projection serving, marked stale
	cfg := must(db.View(vid))
	cfg.Filters = []Filter{{Field: pts.ID, Op: FilterGte, Value: Number(3)}}
	must(db.ConfigureView(cfg))
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, true)
	deepEqual(t, proj.RowIDs, []string{r2.ID, r3.ID})

	// row changes keep maintaining the stale projection under the old rules
	r4 := addRow(t, db, map[string]Value{pts.ID: Number(5)})
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, true)
	deepEqual(t, proj.RowIDs, []string{r2.ID, r3.ID, r4.ID})

	sched.runAll()
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.RowIDs, []string{r3.ID, r4.ID})

	// when reconfigured twice before the scheduler runs, the last one wins
	cfg.Filters = []Filter{{Field: pts.ID, Op: FilterGte, Value: Number(1)}}
	must(db.ConfigureView(cfg))
	cfg.Filters = []Filter{{Field: pts.ID, Op: FilterGte, Value: Number(9)}}
	must(db.ConfigureView(cfg))
	sched.runAll()
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, len(proj.RowIDs), 0)

	// RecomputeView bypasses the scheduler
	cfg.Filters = nil
	must(db.ConfigureView(cfg))
	deepEqual(t, projectionOf(t, db, vid).Stale, true)
	ensure(db.RecomputeView(vid))
	proj = projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.RowIDs, []string{r1.ID, r2.ID, r3.ID, r4.ID})

	wantErr(t, db.RecomputeView("ghost"), ErrNotFound)
}

func TestView_retypeForcesRecompute(t *testing.T) {
	db := setup(t)
	score := addField(t, db, "Score", FieldTypeText)
	r1 := addRow(t, db, map[string]Value{score.ID: Text("9")})
	r2 := addRow(t, db, map[string]Value{score.ID: Text("10")})

	vid := must(db.ConfigureView(&ViewConfig{
		Name:  "By score",
		Kind:  ViewGrid,
		Sorts: []Sort{{Field: score.ID}},
	})).View().ID

	// text sorts lexicographically
	deepEqual(t, projectionOf(t, db, vid).RowIDs, []string{r2.ID, r1.ID})

	// a retype changes sort semantics and rebuilds the projection
	must(db.UpdateField(score.ID, FieldPatch{Type: ptr(FieldTypeNumber)}))
	proj := projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, proj.RowIDs, []string{r1.ID, r2.ID})

	// a pure rename does not disturb the projection
	must(db.UpdateField(score.ID, FieldPatch{Name: ptr("Result")}))
	deepEqual(t, projectionOf(t, db, vid).RowIDs, []string{r1.ID, r2.ID})
}

func TestView_fieldDeleteStripsRules(t *testing.T) {
	db := setup(t)
	stage := addField(t, db, "Stage", FieldTypeSelect,
		SelectOption{ID: "s1", Name: "Todo"}, SelectOption{ID: "s2", Name: "Done"})
	r1 := addRow(t, db, map[string]Value{stage.ID: Select("s1")})
	r2 := addRow(t, db, map[string]Value{stage.ID: Select("s2")})

	vid := must(db.ConfigureView(&ViewConfig{
		Name:    "Board",
		Kind:    ViewBoard,
		GroupBy: stage.ID,
		Filters: []Filter{{Field: stage.ID, Op: FilterNotEmpty}},
		Sorts:   []Sort{{Field: stage.ID}},
	})).View().ID
	deepEqual(t, groupKeys(projectionOf(t, db, vid)), []string{"s1", "s2"})

	res := must(db.DeleteField(stage.ID))
	if len(res.Delta.Views) != 1 {
		t.Fatalf("** got %d view changes, wanted 1", len(res.Delta.Views))
	}

	cfg := must(db.View(vid))
	deepEqual(t, len(cfg.Filters), 0)
	deepEqual(t, len(cfg.Sorts), 0)
	deepEqual(t, cfg.GroupBy, "")

	proj := projectionOf(t, db, vid)
	deepEqual(t, proj.Stale, false)
	deepEqual(t, len(proj.Groups), 0)
	deepEqual(t, proj.RowIDs, []string{r1.ID, r2.ID})
}

func TestView_lifecycleAndValidation(t *testing.T) {
	db := setup(t)
	pts := addField(t, db, "Points", FieldTypeNumber)
	addRow(t, db, map[string]Value{pts.ID: Number(1)})

	vid := must(db.ConfigureView(&ViewConfig{Name: "All", Kind: ViewGrid,
		HiddenFields: []string{pts.ID}})).View().ID
	deepEqual(t, must(db.View(vid)).HiddenFields, []string{pts.ID})
	deepEqual(t, len(db.Views()), 1)

	o := func(name string, want error, cfg *ViewConfig) {
		t.Run(name, func(t *testing.T) {
			_, err := db.ConfigureView(cfg)
			wantErr(t, err, want)
		})
	}
	o("bad filter op", ErrSchemaViolation, &ViewConfig{Name: "X", Kind: ViewGrid,
		Filters: []Filter{{Field: pts.ID, Op: "between"}}})
	o("unknown filter field", ErrNotFound, &ViewConfig{Name: "X", Kind: ViewGrid,
		Filters: []Filter{{Field: "ghost", Op: FilterEmpty}}})
	o("unknown sort field", ErrNotFound, &ViewConfig{Name: "X", Kind: ViewGrid,
		Sorts: []Sort{{Field: "ghost"}}})
	o("unknown group field", ErrNotFound, &ViewConfig{Name: "X", Kind: ViewGrid,
		GroupBy: "ghost"})
	o("bad kind", ErrSchemaViolation, &ViewConfig{Name: "X", Kind: ViewKind(9)})

	must(db.DeleteView(vid))
	_, err := db.View(vid)
	wantErr(t, err, ErrNotFound)
	_, err = db.Projection(vid)
	wantErr(t, err, ErrNotFound)
	deepEqual(t, len(db.Views()), 0)

	_, err = db.DeleteView(vid)
	wantErr(t, err, ErrSuperseded)
	_, err = db.DeleteView("ghost")
	wantErr(t, err, ErrNotFound)

	// reconfiguring a deleted view id revives it
	must(db.ConfigureView(&ViewConfig{ID: vid, Name: "Back", Kind: ViewGrid}))
	deepEqual(t, must(db.View(vid)).Name, "Back")
	deepEqual(t, projectionOf(t, db, vid).Stale, false)
}

func TestView_concurrentConfiguration(t *testing.T) {
	db := setup(t)
	addRow(t, db, nil)
	vid := must(db.ConfigureView(&ViewConfig{Name: "Orig", Kind: ViewGrid})).View().ID
	base := db.TailSeq()

	// both clients reconfigure the same view; the later commit wins whole
	resA := must(db.Append(&ConfigureViewOp{View: &ViewConfig{ID: vid, Name: "From A", Kind: ViewGrid}}, base))
	resB := must(db.Append(&ConfigureViewOp{View: &ViewConfig{ID: vid, Name: "From B", Kind: ViewBoard}}, base))

	deepEqual(t, must(db.View(vid)).Name, "From B")
	deepEqual(t, must(db.View(vid)).Kind, ViewBoard)
	if len(resB.Superseded) != 1 {
		t.Fatalf("** got %d supersessions, wanted 1", len(resB.Superseded))
	}
	deepEqual(t, resB.Superseded[0].LoserSeq, resA.Seq)
	if !strings.Contains(resB.Superseded[0].Reason, "reconfigured") {
		t.Errorf("** unexpected reason %q", resB.Superseded[0].Reason)
	}

	// a reconfiguration racing a delete revives the view
	base = db.TailSeq()
	must(db.DeleteView(vid))
	resC := must(db.Append(&ConfigureViewOp{View: &ViewConfig{ID: vid, Name: "Revived", Kind: ViewGrid}}, base))
	deepEqual(t, must(db.View(vid)).Name, "Revived")
	if len(resC.Superseded) != 1 {
		t.Fatalf("** got %d supersessions, wanted 1", len(resC.Superseded))
	}
	if !strings.Contains(resC.Superseded[0].Reason, "recreated") {
		t.Errorf("** unexpected reason %q", resC.Superseded[0].Reason)
	}
}
