package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// =============================================================================
// 📐 读取方字段约定
// =============================================================================
// 看板组装与上下文检索按字段名读取已存储的摘要 JSON。
// 这里声明的字段必须是压缩器类型化摘要所输出字段的子集。

// channelSpec 摘要中的一个频次列表
type channelSpec struct {
	// 摘要中的字段名
	Field string
	// 条目中保存标签的字段名
	LabelKey string
	// 提示词中的称呼
	Title string
}

var moduleChannels = map[Module][]channelSpec{
	ModuleReading: {
		{Field: "vocabulary_gaps", LabelKey: "word", Title: "vocabulary gaps"},
		{Field: "comprehension_weaknesses", LabelKey: "skill", Title: "comprehension"},
		{Field: "confused_topics", LabelKey: "topic", Title: "confusing topics"},
	},
	ModuleListening: {
		{Field: "comprehension_weaknesses", LabelKey: "skill", Title: "comprehension"},
	},
	ModuleSpeaking: {
		{Field: "chronic_mispronunciations", LabelKey: "word", Title: "mispronounced words"},
		{Field: "problem_phonemes", LabelKey: "phoneme", Title: "problem sounds"},
		{Field: "fluency_patterns", LabelKey: "issue", Title: "fluency"},
	},
	ModuleWriting: {
		{Field: "chronic_grammar_errors", LabelKey: "error_type", Title: "grammar"},
		{Field: "recurring_style_issues", LabelKey: "issue", Title: "style"},
		{Field: "vocabulary_weaknesses", LabelKey: "issue", Title: "word choice"},
		{Field: "content_patterns", LabelKey: "area", Title: "content"},
	},
	ModuleConversation: {
		{Field: "chronic_grammar_errors", LabelKey: "error_type", Title: "grammar"},
		{Field: "vocabulary_gaps", LabelKey: "word", Title: "vocabulary gaps"},
		{Field: "fluency_patterns", LabelKey: "issue", Title: "fluency"},
		{Field: "topic_struggles", LabelKey: "topic", Title: "topics"},
		{Field: "chronic_mispronunciations", LabelKey: "word", Title: "mispronounced words"},
		{Field: "problem_phonemes", LabelKey: "phoneme", Title: "problem sounds"},
	},
}

// 每个模块摘要都要读取的公共字段
var baseReaderFields = []string{"summary", "patterns", "total_sessions_analyzed"}

// 条目公共字段
const (
	itemFrequencyKey = "frequency"
	itemPriorityKey  = "priority"
)

// ReaderFields 返回读取方依赖的摘要顶层字段
func ReaderFields(m Module) []string {
	fields := append([]string(nil), baseReaderFields...)
	for _, ch := range moduleChannels[m] {
		fields = append(fields, ch.Field)
	}
	return fields
}

// ReaderItemFields 返回读取方依赖的列表条目字段, 以摘要字段名为键
func ReaderItemFields(m Module) map[string][]string {
	out := make(map[string][]string, len(moduleChannels[m]))
	for _, ch := range moduleChannels[m] {
		out[ch.Field] = []string{ch.LabelKey, itemFrequencyKey, itemPriorityKey}
	}
	return out
}

// =============================================================================
// 👁️ 模块视图
// =============================================================================

// Item 频次列表中的一个条目
type Item struct {
	Label     string
	Frequency int
	Priority  Priority
}

// Channel 一个频次列表
type Channel struct {
	Field string
	Title string
	Items []Item
}

// ModuleView 读取方看到的模块摘要
type ModuleView struct {
	Module           Module
	Summary          string
	Patterns         []Pattern
	SessionsAnalyzed int
	Channels         []Channel
}

// HighPriorityItems 返回所有 high 条目
func (v *ModuleView) HighPriorityItems() []Item {
	var out []Item
	for _, ch := range v.Channels {
		for _, it := range ch.Items {
			if it.Priority == PriorityHigh {
				out = append(out, it)
			}
		}
	}
	return out
}

// HasContent reports whether the view carries anything worth rendering.
func (v *ModuleView) HasContent() bool {
	if strings.TrimSpace(v.Summary) != "" {
		return true
	}
	for _, ch := range v.Channels {
		if len(ch.Items) > 0 {
			return true
		}
	}
	return false
}

// SchemaMismatchError 存储的摘要缺少读取方依赖的字段
type SchemaMismatchError struct {
	Module  Module
	Missing []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s summary is missing fields: %s", e.Module, strings.Join(e.Missing, ", "))
}

// asTypesError 转换为统一错误码
func (e *SchemaMismatchError) asTypesError() *types.Error {
	return types.NewError(types.ErrSchemaMismatch, e.Error()).WithCause(e)
}

// ReadModuleView 按字段约定读取摘要, 缺字段时返回 *SchemaMismatchError
func ReadModuleView(m Module, raw json.RawMessage) (*ModuleView, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s summary: %w", m, err)
	}

	var missing []string
	for _, f := range ReaderFields(m) {
		if _, ok := doc[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, &SchemaMismatchError{Module: m, Missing: missing}
	}

	view := &ModuleView{Module: m}
	if err := json.Unmarshal(doc["summary"], &view.Summary); err != nil {
		return nil, fmt.Errorf("decode %s summary text: %w", m, err)
	}
	if err := json.Unmarshal(doc["patterns"], &view.Patterns); err != nil {
		return nil, fmt.Errorf("decode %s patterns: %w", m, err)
	}
	if err := json.Unmarshal(doc["total_sessions_analyzed"], &view.SessionsAnalyzed); err != nil {
		return nil, fmt.Errorf("decode %s total_sessions_analyzed: %w", m, err)
	}

	for _, channel := range moduleChannels[m] {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(doc[channel.Field], &entries); err != nil {
			return nil, fmt.Errorf("decode %s.%s: %w", m, channel.Field, err)
		}
		ch := Channel{Field: channel.Field, Title: channel.Title}
		for i, entry := range entries {
			item, missingKeys := readItem(entry, channel.LabelKey)
			if len(missingKeys) > 0 {
				for _, k := range missingKeys {
					missing = append(missing, fmt.Sprintf("%s[%d].%s", channel.Field, i, k))
				}
				continue
			}
			if item.Label != "" {
				ch.Items = append(ch.Items, item)
			}
		}
		sortItems(ch.Items)
		view.Channels = append(view.Channels, ch)
	}
	if len(missing) > 0 {
		return nil, &SchemaMismatchError{Module: m, Missing: missing}
	}
	return view, nil
}

func readItem(entry map[string]json.RawMessage, labelKey string) (Item, []string) {
	var missing []string
	var item Item
	for _, key := range []string{labelKey, itemFrequencyKey, itemPriorityKey} {
		if _, ok := entry[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return item, missing
	}
	// 类型不符与缺失同样按字段上报
	var freq float64
	var prio string
	for key, dst := range map[string]any{labelKey: &item.Label, itemFrequencyKey: &freq, itemPriorityKey: &prio} {
		if err := json.Unmarshal(entry[key], dst); err != nil {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Item{}, missing
	}
	item.Frequency = int(math.Round(freq))
	item.Priority = Priority(prio)
	item.Label = strings.TrimSpace(item.Label)
	return item, nil
}

// sortItems 频次降序, 标签升序
func sortItems(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Frequency != items[j].Frequency {
			return items[i].Frequency > items[j].Frequency
		}
		return items[i].Label < items[j].Label
	})
}

// viewOfSummary 以读取方视角查看一个类型化摘要
func viewOfSummary(s Summary) (*ModuleView, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return ReadModuleView(s.Module(), raw)
}
