package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// =============================================================================
// 🧮 规则聚合
// =============================================================================
// 在进程内把一批洞察聚合为类型化摘要, 不依赖 LLM。
// 压缩与看板回退合成共用这套逻辑, 只有条目上限不同。

// DefaultMaxItems 压缩后每个列表保留的条目数
const DefaultMaxItems = 10

// tally 按规范化标签计数
type tally struct {
	counts   map[string]int
	accuracy map[string][]float64
	examples map[string][]string
}

func newTally() *tally {
	return &tally{
		counts:   make(map[string]int),
		accuracy: make(map[string][]float64),
		examples: make(map[string][]string),
	}
}

// normalizeLabel 小写并折叠空白, 跨模块比对也使用同一规则
func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (t *tally) add(label string) string {
	key := normalizeLabel(label)
	if key == "" {
		return ""
	}
	t.counts[key]++
	return key
}

func (t *tally) addN(label string, n int) {
	key := normalizeLabel(label)
	if key == "" || n <= 0 {
		return
	}
	t.counts[key] += n
}

func (t *tally) addAccuracy(label string, acc float64) {
	if key := t.add(label); key != "" {
		t.accuracy[key] = append(t.accuracy[key], acc)
	}
}

func (t *tally) addExample(label, example string) {
	key := t.add(label)
	example = strings.TrimSpace(example)
	if key == "" || example == "" || len(t.examples[key]) >= 3 {
		return
	}
	for _, e := range t.examples[key] {
		if e == example {
			return
		}
	}
	t.examples[key] = append(t.examples[key], example)
}

type ranked struct {
	label string
	freq  int
}

// top 频次降序, 标签升序, 截断到 limit
func (t *tally) top(limit int) []ranked {
	out := make([]ranked, 0, len(t.counts))
	for label, freq := range t.counts {
		out = append(out, ranked{label: label, freq: freq})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].freq != out[j].freq {
			return out[i].freq > out[j].freq
		}
		return out[i].label < out[j].label
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *tally) avgAccuracy(label string) float64 {
	accs := t.accuracy[label]
	if len(accs) == 0 {
		return 0
	}
	var sum float64
	for _, a := range accs {
		sum += a
	}
	return round1(sum / float64(len(accs)))
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

// majority 超过一半的会话出现该问题
func majority(count, total int) bool {
	return total > 0 && count*2 > total
}

func (t *tally) words(limit int) []WordFrequency {
	out := []WordFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, WordFrequency{Word: r.label, Frequency: r.freq, Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) skills(limit int) []SkillFrequency {
	out := []SkillFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, SkillFrequency{Skill: r.label, Frequency: r.freq, Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) topics(limit int) []TopicFrequency {
	out := []TopicFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, TopicFrequency{Topic: r.label, Frequency: r.freq, Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) issues(limit int) []IssueFrequency {
	out := []IssueFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, IssueFrequency{Issue: r.label, Frequency: r.freq, Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) areas(limit int) []AreaFrequency {
	out := []AreaFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, AreaFrequency{Area: r.label, Frequency: r.freq, Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) pronunciations(limit int) []PronunciationFrequency {
	out := []PronunciationFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, PronunciationFrequency{Word: r.label, Frequency: r.freq, AvgAccuracy: t.avgAccuracy(r.label), Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) phonemes(limit int) []PhonemeFrequency {
	out := []PhonemeFrequency{}
	for _, r := range t.top(limit) {
		out = append(out, PhonemeFrequency{Phoneme: r.label, Frequency: r.freq, AvgAccuracy: t.avgAccuracy(r.label), Priority: priorityFor(r.freq)})
	}
	return out
}

func (t *tally) grammar(limit int) []GrammarFrequency {
	out := []GrammarFrequency{}
	for _, r := range t.top(limit) {
		examples := append([]string{}, t.examples[r.label]...)
		out = append(out, GrammarFrequency{ErrorType: r.label, Frequency: r.freq, Examples: examples, Priority: priorityFor(r.freq)})
	}
	return out
}

// Aggregate 把同一模块的洞察聚合为摘要, 其它模块的洞察被忽略。
// insights 的顺序只影响语法示例的选取, 调用方应按时间倒序传入。
func Aggregate(m Module, insights []*Insight, limit int) (Summary, error) {
	if limit <= 0 {
		limit = DefaultMaxItems
	}
	own := make([]*Insight, 0, len(insights))
	for _, in := range insights {
		if in != nil && in.Module == m && in.Payload != nil && in.Payload.Module() == m {
			own = append(own, in)
		}
	}

	var s Summary
	switch m {
	case ModuleReading:
		s = aggregateReading(own, limit)
	case ModuleListening:
		s = aggregateListening(own, limit)
	case ModuleSpeaking:
		s = aggregateSpeaking(own, limit)
	case ModuleWriting:
		s = aggregateWriting(own, limit)
	case ModuleConversation:
		s = aggregateConversation(own, limit)
	default:
		return nil, fmt.Errorf("unknown module %q", m)
	}
	b := s.Base()
	b.TotalSessionsAnalyzed = len(own)
	b.Patterns = []Pattern{}
	return s, nil
}

func aggregateReading(insights []*Insight, limit int) *ReadingSummary {
	words, skills, topics := newTally(), newTally(), newTally()
	speed, lowCompletion := 0, 0
	for _, in := range insights {
		p := in.Payload.(*ReadingPayload)
		for _, v := range p.VocabularyMistakes {
			words.add(v.Word)
		}
		for _, w := range p.DifficultWords {
			words.add(w)
		}
		for _, q := range p.QuestionTypesStruggled {
			skills.add(q)
		}
		for _, t := range p.ChatbotTopicsConfused {
			topics.add(t)
		}
		if p.ReadingSpeedIssue {
			speed++
		}
		if p.CompletionRate != nil && *p.CompletionRate < 80 {
			lowCompletion++
		}
	}
	return &ReadingSummary{
		VocabularyGaps:          words.words(limit),
		ComprehensionWeaknesses: skills.skills(limit),
		ConfusedTopics:          topics.topics(limit),
		ReadingSpeedIssue:       majority(speed, len(insights)),
		CompletionIssue:         majority(lowCompletion, len(insights)),
	}
}

func aggregateListening(insights []*Insight, limit int) *ListeningSummary {
	skills := newTally()
	speed := 0
	for _, in := range insights {
		p := in.Payload.(*ListeningPayload)
		for _, q := range p.QuestionTypesStruggled {
			skills.add(q)
		}
		if p.AudioSpeedIssue {
			speed++
		}
	}
	return &ListeningSummary{
		ComprehensionWeaknesses: skills.skills(limit),
		AudioSpeedIssue:         majority(speed, len(insights)),
	}
}

func aggregateSpeaking(insights []*Insight, limit int) *SpeakingSummary {
	words, phonemes, fluency := newTally(), newTally(), newTally()
	for _, in := range insights {
		p := in.Payload.(*SpeakingPayload)
		for _, e := range p.PronunciationErrors {
			words.addAccuracy(e.Word, e.Accuracy)
			phonemes.addAccuracy(e.Phoneme, e.Accuracy)
		}
		for _, f := range p.FluencyProblems {
			fluency.add(f)
		}
	}
	return &SpeakingSummary{
		ChronicMispronunciations: words.pronunciations(limit),
		ProblemPhonemes:          phonemes.phonemes(limit),
		FluencyPatterns:          fluency.issues(limit),
	}
}

func aggregateWriting(insights []*Insight, limit int) *WritingSummary {
	grammar, style, vocab, content := newTally(), newTally(), newTally(), newTally()
	var scoreSum float64
	scored := 0
	for _, in := range insights {
		p := in.Payload.(*WritingPayload)
		for _, g := range p.GrammarErrors {
			grammar.addExample(g.Type, g.Original)
		}
		for _, s := range p.StyleIssues {
			style.addN(s.Issue, max(s.Frequency, 1))
		}
		for _, v := range p.VocabularyIssues {
			vocab.addN(v.Issue, max(v.Frequency, 1))
		}
		for _, c := range p.ContentWeaknesses {
			content.add(c.Area)
		}
		if p.OverallScore > 0 {
			scoreSum += p.OverallScore
			scored++
		}
	}
	var avg float64
	if scored > 0 {
		avg = round1(scoreSum / float64(scored))
	}
	return &WritingSummary{
		ChronicGrammarErrors: grammar.grammar(limit),
		RecurringStyleIssues: style.issues(limit),
		VocabularyWeaknesses: vocab.issues(limit),
		ContentPatterns:      content.areas(limit),
		AverageScore:         avg,
	}
}

func aggregateConversation(insights []*Insight, limit int) *ConversationSummary {
	grammar, vocab, fluency, topics, words, phonemes := newTally(), newTally(), newTally(), newTally(), newTally(), newTally()
	totalWords := 0
	for _, in := range insights {
		p := in.Payload.(*ConversationPayload)
		for _, g := range p.GrammarErrors {
			grammar.addExample(g.Type, g.Original)
		}
		for _, v := range p.VocabularyGaps {
			vocab.add(v.Word)
		}
		for _, f := range p.FluencyIssues {
			fluency.add(f)
		}
		for _, t := range p.TopicStruggles {
			topics.add(t)
		}
		for _, e := range p.PronunciationErrors {
			words.addAccuracy(e.Word, e.Accuracy)
			phonemes.addAccuracy(e.Phoneme, e.Accuracy)
		}
		totalWords += p.TotalWords
	}
	var avgWords float64
	if len(insights) > 0 {
		avgWords = round1(float64(totalWords) / float64(len(insights)))
	}
	return &ConversationSummary{
		ChronicGrammarErrors:     grammar.grammar(limit),
		VocabularyGaps:           vocab.words(limit),
		FluencyPatterns:          fluency.issues(limit),
		TopicStruggles:           topics.topics(limit),
		ChronicMispronunciations: words.pronunciations(limit),
		ProblemPhonemes:          phonemes.phonemes(limit),
		AvgWordsPerSession:       avgWords,
	}
}

// TemplateSummary 无 LLM 时的规则摘要, 点名出现最多的问题
func TemplateSummary(s Summary) string {
	m := s.Module()
	n := s.Base().TotalSessionsAnalyzed
	unit := "sessions"
	if n == 1 {
		unit = "session"
	}
	view, err := viewOfSummary(s)
	if err != nil || !hasItems(view) {
		return fmt.Sprintf("Analyzed %d %s %s; no recurring issues yet.", n, m, unit)
	}

	var parts []string
	for _, ch := range view.Channels {
		if len(ch.Items) == 0 {
			continue
		}
		labels := make([]string, 0, 3)
		for i, it := range ch.Items {
			if i == 3 {
				break
			}
			labels = append(labels, fmt.Sprintf("%s (%d)", it.Label, it.Frequency))
		}
		parts = append(parts, ch.Title+": "+strings.Join(labels, ", "))
	}
	return fmt.Sprintf("Analyzed %d %s %s. Recurring %s.", n, m, unit, strings.Join(parts, "; "))
}

func hasItems(v *ModuleView) bool {
	for _, ch := range v.Channels {
		if len(ch.Items) > 0 {
			return true
		}
	}
	return false
}
