// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package scanner scans C++ sources for module and header dependencies,
// running the dependency scanner only for out-of-date items.
//
// A scan uses two store transactions. The first loads prior state,
// classifies items and records stat'd write times. The second, after
// the scanner ran, persists new item records. Everything read in the
// first transaction is copied, so it stays valid across the second.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"

	"go.chromium.org/infra/build/depscan/intern"
	"go.chromium.org/infra/build/depscan/modgraph"
	"go.chromium.org/infra/build/depscan/ood"
	"go.chromium.org/infra/build/depscan/store"
	"go.chromium.org/infra/build/depscan/toolsupport/scandepsutil"
)

// ErrIntDirBusy is returned when another scan uses the intermediate dir.
var ErrIntDirBusy = errors.New("intermediate dir is used by another scan")

const lockFilename = "depscan.lock"

// LockTimeout is how long a scan waits for the store held by
// another process.
var LockTimeout = 10 * time.Minute

// ItemResult is the result of an item.
type ItemResult struct {
	State ood.State

	// Failed reports the item was out of date and its scan failed.
	// It stays out of date for the next scan.
	Failed bool
}

// Result is the result of a scan.
type Result struct {
	// ID identifies the scan in logs.
	ID string

	Items []ItemResult

	// Graph is the module graph if Config.ResolveModules.
	Graph *modgraph.Graph

	// GraphErr is the error resolving the module graph.
	// Item results are valid even if it is set.
	GraphErr error
}

// OutOfDate returns indexes of out-of-date items.
func (r *Result) OutOfDate() []int {
	var idx []int
	for i, it := range r.Items {
		if it.State.OutOfDate() {
			idx = append(idx, i)
		}
	}
	return idx
}

// HashCommand returns the hash of a command line stored in item records.
func HashCommand(cmdline string) uint64 {
	return xxhash.Sum64String(cmdline)
}

// scanOutput is the scanner output of an item.
type scanOutput struct {
	started bool
	done    bool
	failed  bool
	errs    []string
	export  string
	imports []string
	deps    []string
}

// session is the state of one scan.
type session struct {
	cfg *Config
	id  string

	paths   *intern.PathStore
	targets *intern.NameTable[store.TargetID]
	modules *intern.NameTable[store.ModuleID]

	targetIDs []store.TargetID
	items     []store.ItemID
	hashes    []uint64
	records   []*store.ItemRecord
	states    []ood.State
	failed    []bool

	// headerUnits are indexes of header-unit items.
	headerUnits map[store.ItemID]int

	// ood are indexes of out-of-date items, in compilation database order.
	ood     []int
	outputs []scanOutput
}

// Scan scans items of cfg.
func Scan(ctx context.Context, cfg Config) (*Result, error) {
	err := cfg.Check()
	if err != nil {
		return nil, err
	}
	root := cfg.ItemRoot
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	paths, err := intern.NewPathStore(root)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrConfig)
	}
	s := &session{
		cfg:         &cfg,
		id:          uuid.New().String(),
		paths:       paths,
		targets:     intern.NewNameTable[store.TargetID](store.Targets),
		modules:     intern.NewNameTable[store.ModuleID](store.Modules),
		headerUnits: make(map[store.ItemID]int),
	}
	return s.run(ctx)
}

func (s *session) run(ctx context.Context) (*Result, error) {
	started := clock.Now(ctx)
	buildStart := s.cfg.BuildStartTime
	if buildStart.IsZero() {
		buildStart = started
	}
	log.Infof("scan %s: %d items, %d targets", s.id, len(s.cfg.Items), len(s.cfg.Targets))

	err := os.MkdirAll(s.cfg.IntDir, 0755)
	if err != nil {
		return nil, err
	}
	lock, err := newLockFile(filepath.Join(s.cfg.IntDir, lockFilename))
	if err != nil {
		return nil, err
	}
	defer lock.Close()
	err = lock.Lock()
	if err != nil {
		return nil, err
	}
	defer func() {
		err := lock.Unlock()
		if err != nil {
			log.Warnf("unlock %s: %v", s.cfg.IntDir, err)
		}
	}()

	db, err := store.Open(ctx, s.cfg.DBDir, store.Options{LockTimeout: LockTimeout})
	if err != nil {
		return nil, err
	}
	defer func() {
		if db == nil {
			return
		}
		err := db.Close()
		if err != nil {
			log.Warnf("close %s: %v", db.Filename(), err)
		}
	}()

	err = db.Update(ctx, func(txn *store.Txn) error {
		return s.phase1(ctx, txn, buildStart.UnixNano())
	})
	if err != nil {
		return nil, err
	}
	result := &Result{
		ID:    s.id,
		Items: make([]ItemResult, len(s.items)),
	}
	for i, st := range s.states {
		result.Items[i].State = st
		if st.OutOfDate() {
			s.ood = append(s.ood, i)
		}
	}
	log.Infof("scan %s: %d/%d items out of date", s.id, len(s.ood), len(s.items))

	if len(s.ood) > 0 {
		if s.cfg.ConcurrentTargets {
			err = db.Close()
			db = nil
			if err != nil {
				return nil, err
			}
		}
		scanStart, err := s.runScanner(ctx)
		if err != nil {
			return nil, err
		}
		if db == nil {
			db, err = store.Open(ctx, s.cfg.DBDir, store.Options{LockTimeout: LockTimeout})
			if err != nil {
				return nil, err
			}
		}
		err = db.Update(ctx, func(txn *store.Txn) error {
			return s.phase2(ctx, txn, scanStart.UnixNano())
		})
		if err != nil {
			return nil, err
		}
	}
	for i := range result.Items {
		result.Items[i].Failed = s.failed[i]
	}
	s.notify()
	if s.cfg.ResolveModules {
		result.Graph, result.GraphErr = s.resolve()
		if result.GraphErr != nil {
			log.Errorf("scan %s: module graph: %v", s.id, result.GraphErr)
		}
	}
	log.Infof("scan %s: done in %s", s.id, clock.Since(ctx, started))
	return result, nil
}

// phase1 loads prior state, classifies items and records stat'd write times.
func (s *session) phase1(ctx context.Context, txn *store.Txn, buildStart int64) error {
	for _, load := range []func(context.Context, *store.Txn) error{s.paths.Load, s.targets.Load, s.modules.Load} {
		err := load(ctx, txn)
		if err != nil {
			return err
		}
	}
	dbMax := s.paths.DBMax()
	for _, t := range s.cfg.Targets {
		s.targetIDs = append(s.targetIDs, s.targets.Intern(t))
	}
	cmdHashes := make([]uint64, len(s.cfg.Commands))
	for i, c := range s.cfg.Commands {
		cmdHashes[i] = HashCommand(c)
	}

	n := len(s.cfg.Items)
	s.items = make([]store.ItemID, n)
	s.hashes = make([]uint64, n)
	s.records = make([]*store.ItemRecord, n)
	s.failed = make([]bool, n)
	seen := make(map[store.ItemID]int, n)
	for i, it := range s.cfg.Items {
		fid, err := s.paths.Intern(it.Path)
		if err != nil {
			return fmt.Errorf("item %d: %w: %w", i, err, ErrConfig)
		}
		id := store.ItemID{File: fid, Target: s.targetIDs[it.Target]}
		if j, ok := seen[id]; ok {
			return fmt.Errorf("item %d %s: duplicate of item %d %s: %w", i, it.Path, j, s.cfg.Items[j].Path, ErrConfig)
		}
		seen[id] = i
		s.items[i] = id
		s.hashes[i] = cmdHashes[it.Command]
		if it.HeaderUnit {
			s.headerUnits[id] = i
		}
		rec, ok, err := txn.Item(id)
		if err != nil {
			return err
		}
		if ok {
			s.records[i] = &rec
		}
	}

	var files []ood.File
	addFile := func(id store.FileID) error {
		rec, ok, err := txn.File(id)
		if err != nil {
			return err
		}
		files = append(files, ood.File{ID: id, Record: rec, Known: ok})
		return nil
	}
	for i, id := range s.items {
		err := addFile(id.File)
		if err != nil {
			return err
		}
		if s.records[i] == nil {
			continue
		}
		for _, dep := range s.records[i].FileDeps {
			err := addFile(dep)
			if err != nil {
				return err
			}
		}
	}
	prober := &ood.Prober{
		Path:           s.paths.Path,
		BuildStart:     buildStart,
		TrackerRunning: s.cfg.FileTrackerRunning,
	}
	mtimes, stated, err := prober.Probe(ctx, s.paths.Len()+1, files)
	if err != nil {
		return err
	}
	now := clock.Now(ctx).UnixNano()
	for _, id := range stated {
		err := txn.PutFile(id, store.FileRecord{LastWrite: mtimes[id], LastStat: now})
		if err != nil {
			return err
		}
	}

	engine := &ood.Engine{
		Records: s.records,
		DBMax:   dbMax,
		Mtimes:  mtimes,
	}
	for i, id := range s.items {
		engine.Items = append(engine.Items, ood.Item{ID: id, CmdHash: s.hashes[i]})
	}
	s.states = engine.Classify()
	for i, st := range s.states {
		if st.OutOfDate() {
			log.Debugf("scan %s: %s: %s", s.id, s.paths.Path(s.items[i].File), st)
		}
	}

	err = s.paths.Commit(ctx, txn)
	if err != nil {
		return err
	}
	return s.targets.Commit(ctx, txn)
}

// runScanner runs the scanner for out-of-date items.
// It returns the time the scanner started.
func (s *session) runScanner(ctx context.Context) (time.Time, error) {
	cmds := make([]scandepsutil.CompileCommand, len(s.ood))
	files := make([]string, len(s.ood))
	for pos, i := range s.ood {
		it := s.cfg.Items[i]
		fname := s.paths.Path(s.items[i].File)
		files[pos] = fname
		cmds[pos] = scandepsutil.CompileCommand{
			Directory: s.paths.Dir(),
			File:      fname,
			Command:   scandepsutil.WithFile(s.cfg.Commands[it.Command], fname, s.cfg.CommandsContainItemPath),
		}
	}
	compdb := filepath.Join(s.cfg.IntDir, scandepsutil.CompilationDatabaseFilename)
	err := scandepsutil.WriteCompilationDatabase(compdb, cmds)
	if err != nil {
		return time.Time{}, err
	}

	s.outputs = make([]scanOutput, len(s.ood))
	h := &outputHandler{outputs: s.outputs}
	scanStart := clock.Now(ctx)
	err = scandepsutil.Run(ctx, s.cfg.ToolPath, compdb, files, h)
	var eerr *scandepsutil.ExitError
	switch {
	case errors.As(err, &eerr):
		log.Warnf("scan %s: %v", s.id, err)
		if eerr.LastItem >= 0 {
			s.outputs[eerr.LastItem].failed = true
		}
	case err != nil:
		return time.Time{}, err
	}
	for pos, i := range s.ood {
		out := &s.outputs[pos]
		switch {
		case !out.done:
			log.Warnf("scan %s: %s: no scanner output", s.id, files[pos])
			s.failed[i] = true
		case out.failed:
			log.Warnf("scan %s: %s: scan failed %q", s.id, files[pos], out.errs)
			s.failed[i] = true
		}
	}
	return scanStart, nil
}

// outputHandler collects scanner output by compilation database entry.
type outputHandler struct {
	outputs []scanOutput
	cur     *scanOutput
}

func (h *outputHandler) StartItem(pos int) bool {
	out := &h.outputs[pos]
	if out.started {
		log.Warnf("duplicate scanner output for entry %d", pos)
		out.failed = true
		return false
	}
	out.started = true
	h.cur = out
	return true
}

func (h *outputHandler) Export(module string) {
	if h.cur.export != "" && h.cur.export != module {
		h.cur.failed = true
		h.cur.errs = append(h.cur.errs, fmt.Sprintf("exports %q and %q", h.cur.export, module))
		return
	}
	h.cur.export = module
}

func (h *outputHandler) Import(module string) { h.cur.imports = append(h.cur.imports, module) }
func (h *outputHandler) Dep(path string)      { h.cur.deps = append(h.cur.deps, path) }

func (h *outputHandler) Fail(msg string) {
	h.cur.failed = true
	h.cur.errs = append(h.cur.errs, msg)
}

func (h *outputHandler) EndItem() {
	h.cur.done = true
	h.cur = nil
}

// phase2 persists records of successfully scanned items.
func (s *session) phase2(ctx context.Context, txn *store.Txn, scanStart int64) error {
	if s.cfg.ConcurrentTargets {
		// other targets may have interned entries meanwhile.
		for _, load := range []func(context.Context, *store.Txn) error{s.paths.Load, s.targets.Load, s.modules.Load} {
			err := load(ctx, txn)
			if err != nil {
				return err
			}
		}
	}
	nscanned := 0
	for pos, i := range s.ood {
		if s.failed[i] {
			continue
		}
		rec, err := s.newRecord(i, &s.outputs[pos], scanStart)
		if err != nil {
			log.Warnf("scan %s: %s: %v", s.id, s.paths.Path(s.items[i].File), err)
			s.failed[i] = true
			continue
		}
		err = txn.PutItem(s.items[i], rec)
		if err != nil {
			return err
		}
		s.records[i] = &rec
		nscanned++
	}
	log.Infof("scan %s: %d items scanned, %d failed", s.id, nscanned, len(s.ood)-nscanned)
	err := s.paths.Commit(ctx, txn)
	if err != nil {
		return err
	}
	return s.modules.Commit(ctx, txn)
}

func (s *session) newRecord(i int, out *scanOutput, scanStart int64) (store.ItemRecord, error) {
	id := s.items[i]
	rec := store.ItemRecord{
		CmdHash:  s.hashes[i],
		LastScan: scanStart,
	}
	if out.export != "" {
		rec.Export = s.modules.Intern(out.export)
	}
	seenMod := make(map[store.ModuleID]bool)
	for _, m := range out.imports {
		mid := s.modules.Intern(m)
		if seenMod[mid] {
			continue
		}
		seenMod[mid] = true
		rec.Imports = append(rec.Imports, mid)
	}
	seen := map[store.FileID]bool{id.File: true}
	for _, dep := range out.deps {
		fid, err := s.paths.Intern(dep)
		if err != nil {
			return store.ItemRecord{}, err
		}
		if seen[fid] {
			continue
		}
		seen[fid] = true
		// header units are file deps too, so an item whose header unit
		// changed stays out of date even if the header unit is scanned
		// and this item is not.
		rec.FileDeps = append(rec.FileDeps, fid)
		dep := store.ItemID{File: fid, Target: id.Target}
		if _, ok := s.headerUnits[dep]; ok {
			rec.ItemDeps = append(rec.ItemDeps, dep)
		}
	}
	return rec, nil
}

// notify reports results to the observer.
func (s *session) notify() {
	o := s.cfg.Observer
	if o == nil {
		return
	}
	var t blockTable
	for i, st := range s.states {
		o.ResultsForItem(i, st.OutOfDate())
		rec := s.records[i]
		switch {
		case rec == nil || s.failed[i]:
		case st.OutOfDate() || s.cfg.SubmitPreviousResults:
			s.report(o, &t, rec)
		}
		o.ItemFinished()
	}
}

func (s *session) report(o Observer, t *blockTable, rec *store.ItemRecord) {
	if rec.Export != 0 {
		o.ExportModule(t.text(s.modules.Name(rec.Export)))
	}
	for _, m := range rec.Imports {
		o.ImportModule(t.text(s.modules.Name(m)))
	}
	itemDeps := make(map[store.FileID]bool, len(rec.ItemDeps))
	for _, d := range rec.ItemDeps {
		itemDeps[d.File] = true
	}
	for _, f := range rec.FileDeps {
		fname := s.paths.Path(f)
		switch {
		case itemDeps[f]:
			o.ImportHeader(t.indexed(fname))
		case isHeader(fname):
			o.IncludeHeader(t.indexed(fname))
		default:
			o.OtherFileDep(t.indexed(fname))
		}
	}
}

// resolve resolves the module graph.
// Node i of the graph is item i. Items without a valid record are
// nodes without imports or exports.
func (s *session) resolve() (*modgraph.Graph, error) {
	nodes := make([]modgraph.Node, len(s.items))
	for i, rec := range s.records {
		it := s.cfg.Items[i]
		nodes[i] = modgraph.Node{
			Name:       s.paths.Path(s.items[i].File),
			Group:      s.cfg.Targets[it.Target],
			HeaderUnit: it.HeaderUnit,
		}
		if rec == nil || s.failed[i] {
			continue
		}
		n := &nodes[i]
		if rec.Export != 0 {
			n.Export = s.modules.Name(rec.Export)
		}
		for _, m := range rec.Imports {
			n.Imports = append(n.Imports, s.modules.Name(m))
		}
		for _, d := range rec.ItemDeps {
			n.HeaderUnits = append(n.HeaderUnits, s.paths.Path(d.File))
		}
	}
	return modgraph.Resolve(nodes)
}
