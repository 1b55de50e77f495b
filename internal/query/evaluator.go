package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/popemkt/nxus/internal/clock"
	"github.com/popemkt/nxus/internal/config"
	"github.com/popemkt/nxus/internal/errors"
	"github.com/popemkt/nxus/internal/model"
	"github.com/popemkt/nxus/internal/nodedb"
	"github.com/popemkt/nxus/internal/store"
	"github.com/popemkt/nxus/internal/sysids"
)

// Result is the shape every query evaluation returns (§4.4).
type Result struct {
	Nodes       []model.AssembledNode
	TotalCount  int
	EvaluatedAt int64 // milliseconds since epoch
}

// Evaluator runs Definitions against the node store. It holds no query-result
// cache of its own: every Evaluate call re-reads the store, matching §4.4's
// "evaluation is always fresh" requirement (the subscription service, C7,
// handles incremental re-evaluation separately).
type Evaluator struct {
	nodes *nodedb.Service
	store store.Store
	clock clock.Clock
	cfg   config.QueryConfig
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(nodes *nodedb.Service, st store.Store, clk clock.Clock, cfg config.QueryConfig) *Evaluator {
	return &Evaluator{nodes: nodes, store: st, clock: clk, cfg: cfg}
}

// Evaluate runs def against the current store state.
func (e *Evaluator) Evaluate(ctx context.Context, def Definition) (Result, error) {
	now := e.clock.Now().UnixMilli()

	candidateIDs, err := e.seedCandidates(ctx, def.Filters)
	if err != nil {
		return Result{}, err
	}

	nodeList, err := e.loadCandidateNodes(ctx, candidateIDs)
	if err != nil {
		return Result{}, err
	}

	assembled, err := e.assembleAll(ctx, nodeList)
	if err != nil {
		return Result{}, err
	}

	matched := make([]model.AssembledNode, 0, len(assembled))
	for _, an := range assembled {
		ok, err := e.matchAll(ctx, an, def.Filters, now)
		if err != nil {
			return Result{}, err
		}
		if ok {
			matched = append(matched, an)
		}
	}

	totalCount := len(matched)

	if def.Sort != nil {
		if err := e.sortResults(ctx, matched, *def.Sort); err != nil {
			return Result{}, err
		}
	}

	limit := def.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	if e.cfg.MaxLimit > 0 && limit > e.cfg.MaxLimit {
		limit = e.cfg.MaxLimit
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	return Result{Nodes: matched, TotalCount: totalCount, EvaluatedAt: now}, nil
}

// seedCandidates implements §4.4's performance requirement: when the top-level
// conjunction carries a supertag filter, seed the candidate set from the
// supertag index instead of scanning every node. Returns nil when no
// top-level supertag filter is present, signaling a full scan.
func (e *Evaluator) seedCandidates(ctx context.Context, filters []Filter) (map[string]bool, error) {
	for _, f := range filters {
		if f.Kind == FilterSupertag {
			return e.supertagNodeIDs(ctx, f)
		}
	}
	return nil, nil
}

// supertagNodeIDs resolves the node IDs directly carrying any supertag in f's
// match set (the supertag itself, plus its inheriting descendants when
// IncludeInherited is true), via the field:supertag reverse index.
func (e *Evaluator) supertagNodeIDs(ctx context.Context, f Filter) (map[string]bool, error) {
	supertagFieldID, err := e.resolveFieldID(ctx, sysids.FieldSupertag)
	if err != nil {
		return nil, err
	}
	if supertagFieldID == "" {
		return map[string]bool{}, nil
	}

	var memberIDs map[string]bool
	if f.includeInherited() {
		memberIDs, err = e.nodes.ResolveSupertagClosureIDs(ctx, f.SupertagSystemID)
		if err != nil {
			if isNotFound(err) {
				return map[string]bool{}, nil
			}
			return nil, err
		}
	} else {
		target, err := e.nodes.ResolveNode(ctx, f.SupertagSystemID)
		if err != nil {
			if isNotFound(err) {
				return map[string]bool{}, nil
			}
			return nil, err
		}
		memberIDs = map[string]bool{target.ID: true}
	}

	candidates := make(map[string]bool)
	for supertagID := range memberIDs {
		props, err := e.store.ListPropertiesByFieldAndValue(ctx, supertagFieldID, supertagID)
		if err != nil {
			return nil, errors.StoreErr("seed supertag candidates", err)
		}
		for _, p := range props {
			candidates[p.NodeID] = true
		}
	}
	return candidates, nil
}

func (e *Evaluator) loadCandidateNodes(ctx context.Context, candidateIDs map[string]bool) ([]model.Node, error) {
	if candidateIDs == nil {
		all, err := e.store.ListNodes(ctx)
		if err != nil {
			return nil, errors.StoreErr("list nodes", err)
		}
		nodeList := make([]model.Node, 0, len(all))
		for _, n := range all {
			if !n.IsDeleted() {
				nodeList = append(nodeList, n)
			}
		}
		return nodeList, nil
	}

	nodeList := make([]model.Node, 0, len(candidateIDs))
	for id := range candidateIDs {
		n, ok, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, errors.StoreErr("get candidate node", err)
		}
		if ok && !n.IsDeleted() {
			nodeList = append(nodeList, n)
		}
	}
	return nodeList, nil
}

// assembleAll joins nodes with their properties (batched) and directly
// assigned supertags.
func (e *Evaluator) assembleAll(ctx context.Context, nodeList []model.Node) ([]model.AssembledNode, error) {
	ids := make([]string, len(nodeList))
	for i, n := range nodeList {
		ids[i] = n.ID
	}
	propsByNode, err := e.store.ListPropertiesForNodes(ctx, ids)
	if err != nil {
		return nil, errors.StoreErr("list properties for nodes", err)
	}

	supertagFieldID, err := e.resolveFieldID(ctx, sysids.FieldSupertag)
	if err != nil {
		return nil, err
	}

	assembled := make([]model.AssembledNode, 0, len(nodeList))
	for _, n := range nodeList {
		props := propsByNode[n.ID]
		grouped := make(map[string][]model.Property)
		for _, p := range props {
			grouped[p.FieldNodeID] = append(grouped[p.FieldNodeID], p)
		}

		var supertags []model.SupertagRef
		if supertagFieldID != "" {
			for _, p := range grouped[supertagFieldID] {
				ref := model.DecodePropertyValue(p.Value).Ref
				if ref == "" {
					continue
				}
				sn, ok, err := e.store.GetNode(ctx, ref)
				if err != nil {
					return nil, errors.StoreErr("get supertag node", err)
				}
				if ok {
					supertags = append(supertags, model.SupertagRef{ID: sn.ID, SystemID: sn.SystemID})
				}
			}
		}

		assembled = append(assembled, model.AssembledNode{Node: n, Properties: grouped, Supertags: supertags})
	}
	return assembled, nil
}

func (e *Evaluator) matchAll(ctx context.Context, an model.AssembledNode, filters []Filter, now int64) (bool, error) {
	for _, f := range filters {
		ok, err := e.matchFilter(ctx, an, f, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) matchFilter(ctx context.Context, an model.AssembledNode, f Filter, now int64) (bool, error) {
	switch f.Kind {
	case FilterAnd:
		return e.matchAll(ctx, an, f.Filters, now)
	case FilterOr:
		for _, sub := range f.Filters {
			ok, err := e.matchFilter(ctx, an, sub, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FilterNot:
		if len(f.Filters) != 1 {
			return false, errors.InvalidDefinitionError("not filter", "expects exactly one nested filter")
		}
		ok, err := e.matchFilter(ctx, an, f.Filters[0], now)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case FilterSupertag:
		return e.matchSupertag(ctx, an, f)
	case FilterProperty:
		return e.matchProperty(ctx, an, f)
	case FilterContent:
		return e.matchContent(an, f), nil
	case FilterRelation:
		return e.matchRelation(ctx, an, f)
	case FilterTemporal:
		return e.matchTemporal(an, f, now), nil
	case FilterHasField:
		return e.matchHasField(ctx, an, f)
	default:
		return false, errors.InvalidDefinitionError("filter", fmt.Sprintf("unknown kind %q", f.Kind))
	}
}

func (e *Evaluator) matchSupertag(ctx context.Context, an model.AssembledNode, f Filter) (bool, error) {
	var memberIDs map[string]bool
	if f.includeInherited() {
		ids, err := e.nodes.ResolveSupertagClosureIDs(ctx, f.SupertagSystemID)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		memberIDs = ids
	} else {
		target, err := e.nodes.ResolveNode(ctx, f.SupertagSystemID)
		if err != nil {
			if isNotFound(err) {
				return false, nil
			}
			return false, err
		}
		memberIDs = map[string]bool{target.ID: true}
	}

	for _, st := range an.Supertags {
		if memberIDs[st.ID] {
			return true, nil
		}
	}
	return false, nil
}

func (e *Evaluator) matchProperty(ctx context.Context, an model.AssembledNode, f Filter) (bool, error) {
	fieldID, err := e.resolveFieldID(ctx, f.FieldSystemID)
	if err != nil {
		return false, err
	}

	matched := false
	for _, p := range an.Properties[fieldID] {
		if compareOp(model.DecodePropertyValue(p.Value), f.Op, f.Value) {
			matched = true
			break
		}
	}
	if f.Negate {
		return !matched, nil
	}
	return matched, nil
}

func (e *Evaluator) matchContent(an model.AssembledNode, f Filter) bool {
	if f.CaseSensitive {
		return strings.Contains(an.Content, f.Query)
	}
	return strings.Contains(an.ContentPlain, strings.ToLower(f.Query))
}

func (e *Evaluator) matchRelation(ctx context.Context, an model.AssembledNode, f Filter) (bool, error) {
	switch f.RelationType {
	case RelationChildOf, RelationOwnedBy:
		return an.OwnerID == f.TargetNodeID, nil
	case RelationLinksTo:
		if f.FieldSystemID != "" {
			fieldID, err := e.resolveFieldID(ctx, f.FieldSystemID)
			if err != nil {
				return false, err
			}
			return propsContainRef(an.Properties[fieldID], f.TargetNodeID), nil
		}
		for _, props := range an.Properties {
			if propsContainRef(props, f.TargetNodeID) {
				return true, nil
			}
		}
		return false, nil
	case RelationLinkedFrom:
		if f.FieldSystemID != "" {
			fieldID, err := e.resolveFieldID(ctx, f.FieldSystemID)
			if err != nil {
				return false, err
			}
			if fieldID == "" {
				return false, nil
			}
			props, err := e.store.ListPropertiesByFieldAndValue(ctx, fieldID, an.ID)
			if err != nil {
				return false, errors.StoreErr("linkedFrom lookup", err)
			}
			return len(props) > 0, nil
		}
		// No field scoping: fall back to a full store scan. Acceptable for
		// small datasets (§4.4); large deployments should scope linkedFrom
		// filters to a field to hit the index path above.
		all, err := e.store.ListNodes(ctx)
		if err != nil {
			return false, errors.StoreErr("linkedFrom scan", err)
		}
		for _, n := range all {
			props, err := e.store.ListPropertiesForNode(ctx, n.ID)
			if err != nil {
				return false, errors.StoreErr("linkedFrom scan", err)
			}
			if propsContainRef(props, an.ID) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, errors.InvalidDefinitionError("relation filter", fmt.Sprintf("unknown relationType %q", f.RelationType))
	}
}

func (e *Evaluator) matchTemporal(an model.AssembledNode, f Filter, now int64) bool {
	var fieldValue int64
	switch f.TemporalField {
	case TemporalUpdatedAt:
		fieldValue = an.UpdatedAt
	default:
		fieldValue = an.CreatedAt
	}

	switch f.TemporalOp {
	case TemporalBefore:
		return f.Date != nil && fieldValue < *f.Date
	case TemporalAfter:
		return f.Date != nil && fieldValue > *f.Date
	case TemporalWithin:
		if f.Days == nil {
			return false
		}
		const msPerDay = int64(24 * 60 * 60 * 1000)
		cutoff := now - int64(*f.Days)*msPerDay
		return fieldValue >= cutoff && fieldValue <= now
	default:
		return false
	}
}

func (e *Evaluator) matchHasField(ctx context.Context, an model.AssembledNode, f Filter) (bool, error) {
	fieldID, err := e.resolveFieldID(ctx, f.FieldSystemID)
	if err != nil {
		return false, err
	}
	hasProps := fieldID != "" && len(an.Properties[fieldID]) > 0
	if f.Negate {
		return !hasProps, nil
	}
	return hasProps, nil
}

// resolveFieldID resolves identifier to a field node's internal ID, treating
// "the field was never created" as an empty ID rather than an error: a
// filter naming a field that doesn't exist yet simply matches nothing.
func (e *Evaluator) resolveFieldID(ctx context.Context, identifier string) (string, error) {
	n, err := e.nodes.ResolveNode(ctx, identifier)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return n.ID, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, errors.NotFound)
}

func propsContainRef(props []model.Property, targetID string) bool {
	for _, p := range props {
		pv := model.DecodePropertyValue(p.Value)
		if pv.Ref == targetID {
			return true
		}
		for _, r := range pv.Refs {
			if r == targetID {
				return true
			}
		}
	}
	return false
}

func compareOp(pv model.PropertyValue, op Op, want any) bool {
	switch op {
	case OpEq:
		return valueEquals(pv, want)
	case OpNe:
		return !valueEquals(pv, want)
	case OpGt, OpGte, OpLt, OpLte:
		wantNum, ok := want.(float64)
		if !ok || pv.Kind != model.KindNumber {
			return false
		}
		switch op {
		case OpGt:
			return pv.Num > wantNum
		case OpGte:
			return pv.Num >= wantNum
		case OpLt:
			return pv.Num < wantNum
		default:
			return pv.Num <= wantNum
		}
	case OpContains:
		wantStr, ok := want.(string)
		return ok && strings.Contains(pv.Text, wantStr)
	case OpStartsWith:
		wantStr, ok := want.(string)
		return ok && strings.HasPrefix(pv.Text, wantStr)
	case OpEndsWith:
		wantStr, ok := want.(string)
		return ok && strings.HasSuffix(pv.Text, wantStr)
	case OpIn:
		list, ok := want.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if valueEquals(pv, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func valueEquals(pv model.PropertyValue, want any) bool {
	switch w := want.(type) {
	case string:
		return pv.Text == w || pv.Ref == w
	case float64:
		return pv.Kind == model.KindNumber && pv.Num == w
	case bool:
		return pv.Kind == model.KindBool && pv.Bool == w
	case nil:
		return pv.Kind == model.KindNull
	default:
		return false
	}
}

// sortResults orders matched in place by s.Field, tie-breaking on node ID for
// a stable result order across repeated evaluations.
func (e *Evaluator) sortResults(ctx context.Context, nodes []model.AssembledNode, s Sort) error {
	var fieldID string
	switch s.Field {
	case "content", "createdAt", "updatedAt":
		// built-in, handled below without a field lookup
	default:
		id, err := e.resolveFieldID(ctx, s.Field)
		if err != nil {
			return err
		}
		fieldID = id
	}

	key := func(an model.AssembledNode) (numKey float64, textKey string, isNum bool) {
		switch s.Field {
		case "content":
			return 0, an.ContentPlain, false
		case "createdAt":
			return float64(an.CreatedAt), "", true
		case "updatedAt":
			return float64(an.UpdatedAt), "", true
		default:
			props := an.Properties[fieldID]
			if len(props) == 0 {
				return 0, "", false
			}
			pv := model.DecodePropertyValue(props[0].Value)
			if pv.Kind == model.KindNumber {
				return pv.Num, "", true
			}
			return 0, pv.Text, false
		}
	}

	desc := s.Direction == SortDesc
	sort.SliceStable(nodes, func(i, j int) bool {
		ni, nj := nodes[i], nodes[j]
		numI, textI, isNum := key(ni)
		numJ, textJ, _ := key(nj)

		var primary int
		if isNum {
			switch {
			case numI < numJ:
				primary = -1
			case numI > numJ:
				primary = 1
			}
		} else {
			primary = strings.Compare(textI, textJ)
		}
		if primary != 0 {
			if desc {
				return primary > 0
			}
			return primary < 0
		}
		return ni.ID < nj.ID
	})
	return nil
}
