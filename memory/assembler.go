package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🧩 记忆看板组装
// =============================================================================

const (
	// DefaultFallbackTopN 回退合成时每个列表保留的条目数
	DefaultFallbackTopN = 3
	maxCrossModuleIssues = 10
	maxFocusAreas        = 3
)

// AssemblerConfig 组装器配置
type AssemblerConfig struct {
	// 回退合成读取的最近洞察数
	Window int
	// 回退合成每个列表的条目数
	FallbackTopN int
}

// Assembler 读取与合并记忆看板
type Assembler struct {
	store   Store
	cfg     AssemblerConfig
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewAssembler 创建组装器
func NewAssembler(store Store, cfg AssemblerConfig, metrics Metrics, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	if cfg.FallbackTopN <= 0 {
		cfg.FallbackTopN = DefaultFallbackTopN
	}
	return &Assembler{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "memory_assembler")),
		now:     time.Now,
	}
}

// GetBoard 返回学生的看板。没有压缩摘要但有原始洞察的模块即时合成,
// 完全没有数据时返回空看板。
func (a *Assembler) GetBoard(ctx context.Context, studentID string) (*MemoryBoard, error) {
	board, err := a.store.GetBoard(ctx, studentID)
	switch {
	case errors.Is(err, ErrBoardNotFound):
		board = NewMemoryBoard(studentID)
	case err != nil:
		return nil, err
	}

	var missing []Module
	for _, m := range AllModules {
		if _, ok := board.Summary(m); !ok {
			missing = append(missing, m)
		}
	}

	synthesized := make([]json.RawMessage, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range missing {
		g.Go(func() error {
			raw, err := a.synthesize(gctx, studentID, m)
			if err != nil {
				return err
			}
			synthesized[i] = raw
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, m := range missing {
		if synthesized[i] == nil {
			continue
		}
		board.Summaries[m] = synthesized[i]
		board.SynthesizedModules = append(board.SynthesizedModules, m)
	}
	if len(board.SynthesizedModules) > 0 {
		board.OverallPatterns = a.ComputeOverallPatterns(board)
	}
	board.OverallPatterns = board.OverallPatterns.normalized()
	return board, nil
}

// synthesize 从最近的原始洞察合成摘要, 无洞察时返回 nil
func (a *Assembler) synthesize(ctx context.Context, studentID string, m Module) (json.RawMessage, error) {
	insights, err := a.store.ListInsights(ctx, studentID, m, InsightQuery{Limit: a.cfg.Window})
	if err != nil {
		return nil, fmt.Errorf("synthesize %s: %w", m, err)
	}
	if len(insights) == 0 {
		return nil, nil
	}
	s, err := Aggregate(m, insights, a.cfg.FallbackTopN)
	if err != nil {
		return nil, err
	}
	s.Base().Summary = TemplateSummary(s)
	return json.Marshal(s)
}

// UpdateBoard 合并模块摘要并重算跨模块模式
func (a *Assembler) UpdateBoard(ctx context.Context, studentID string, m Module, summary json.RawMessage) (*MemoryBoard, error) {
	board, err := a.store.SaveModuleSummary(ctx, studentID, m, summary, a.now(), a.ComputeOverallPatterns)
	if err != nil {
		return nil, err
	}
	board.OverallPatterns = board.OverallPatterns.normalized()
	return board, nil
}

// ModuleViews 按模块顺序读取看板中可用的摘要, 不符合字段约定的模块被跳过
func (a *Assembler) ModuleViews(board *MemoryBoard) []*ModuleView {
	var views []*ModuleView
	for _, m := range AllModules {
		raw, ok := board.Summary(m)
		if !ok {
			continue
		}
		view, err := ReadModuleView(m, raw)
		if err != nil {
			var mismatch *SchemaMismatchError
			if errors.As(err, &mismatch) {
				a.metrics.RecordSchemaMismatch(string(m))
				a.logger.Warn("module summary does not match reader fields, skipping",
					zap.String("student_id", board.StudentID),
					zap.String("module", string(m)),
					zap.Strings("missing", mismatch.Missing),
					zap.Error(mismatch.asTypesError()))
			} else {
				a.logger.Warn("module summary is unreadable, skipping",
					zap.String("student_id", board.StudentID),
					zap.String("module", string(m)),
					zap.Error(err))
			}
			continue
		}
		views = append(views, view)
	}
	return views
}

// ComputeOverallPatterns 扫描各模块摘要, 只有这里会把不同模块的数据放在一起
func (a *Assembler) ComputeOverallPatterns(board *MemoryBoard) OverallPatterns {
	views := a.ModuleViews(board)
	out := OverallPatterns{}

	// 跨模块问题
	seen := make(map[string][]Module)
	note := func(label string, m Module) {
		key := normalizeLabel(label)
		if key == "" {
			return
		}
		for _, x := range seen[key] {
			if x == m {
				return
			}
		}
		seen[key] = append(seen[key], m)
	}
	for _, v := range views {
		for _, ch := range v.Channels {
			for _, it := range ch.Items {
				note(it.Label, v.Module)
			}
		}
		for _, p := range v.Patterns {
			if normalizeLabel(p.Category) != PatternCategoryStrength {
				note(p.Category, v.Module)
			}
		}
	}
	type cross struct {
		label   string
		modules []Module
	}
	var crosses []cross
	for label, mods := range seen {
		if len(mods) >= 2 {
			sort.Slice(mods, func(i, j int) bool { return moduleIndex(mods[i]) < moduleIndex(mods[j]) })
			crosses = append(crosses, cross{label: label, modules: mods})
		}
	}
	sort.Slice(crosses, func(i, j int) bool {
		if len(crosses[i].modules) != len(crosses[j].modules) {
			return len(crosses[i].modules) > len(crosses[j].modules)
		}
		return crosses[i].label < crosses[j].label
	})
	for i, c := range crosses {
		if i == maxCrossModuleIssues {
			break
		}
		names := make([]string, len(c.modules))
		for j, m := range c.modules {
			names[j] = string(m)
		}
		out.CrossModuleIssues = append(out.CrossModuleIssues, fmt.Sprintf("%s (%s)", c.label, strings.Join(names, ", ")))
	}

	// 优势
	for _, v := range views {
		for _, p := range v.Patterns {
			if normalizeLabel(p.Category) == PatternCategoryStrength && strings.TrimSpace(p.Description) != "" {
				out.Strengths = append(out.Strengths, fmt.Sprintf("%s: %s", v.Module, strings.TrimSpace(p.Description)))
			}
		}
		if v.SessionsAnalyzed > 0 && len(v.HighPriorityItems()) == 0 {
			out.Strengths = append(out.Strengths, fmt.Sprintf("%s: no recurring high-priority issues", v.Module))
		}
	}

	// 推荐重点
	type focus struct {
		module Module
		item   Item
	}
	var focuses []focus
	for _, v := range views {
		for _, it := range v.HighPriorityItems() {
			focuses = append(focuses, focus{module: v.Module, item: it})
		}
	}
	sort.SliceStable(focuses, func(i, j int) bool {
		fi, fj := focuses[i], focuses[j]
		if fi.item.Frequency != fj.item.Frequency {
			return fi.item.Frequency > fj.item.Frequency
		}
		if fi.module != fj.module {
			return moduleIndex(fi.module) < moduleIndex(fj.module)
		}
		return fi.item.Label < fj.item.Label
	})
	added := make(map[string]bool)
	for _, f := range focuses {
		if len(out.RecommendedFocusAreas) == maxFocusAreas {
			break
		}
		entry := fmt.Sprintf("%s: %s", f.module, f.item.Label)
		if added[entry] {
			continue
		}
		added[entry] = true
		out.RecommendedFocusAreas = append(out.RecommendedFocusAreas, entry)
	}

	return out.normalized()
}

// normalized 空列表序列化为 [] 而不是 null
func (p OverallPatterns) normalized() OverallPatterns {
	if p.CrossModuleIssues == nil {
		p.CrossModuleIssues = []string{}
	}
	if p.Strengths == nil {
		p.Strengths = []string{}
	}
	if p.RecommendedFocusAreas == nil {
		p.RecommendedFocusAreas = []string{}
	}
	return p
}
