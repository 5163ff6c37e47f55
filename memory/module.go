package memory

import (
	"strings"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/types"
)

// Module 练习模块标签, 闭合枚举
type Module string

const (
	ModuleReading      Module = "reading"
	ModuleListening    Module = "listening"
	ModuleSpeaking     Module = "speaking"
	ModuleWriting      Module = "writing"
	ModuleConversation Module = "conversation"
)

// AllModules 按固定顺序列出全部模块, 输出排序都以此为准
var AllModules = []Module{
	ModuleReading,
	ModuleListening,
	ModuleSpeaking,
	ModuleWriting,
	ModuleConversation,
}

// ParseModule 解析模块标签, 未知标签返回 INVALID_MODULE
func ParseModule(s string) (Module, error) {
	m := Module(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", types.NewInvalidModuleError(s)
	}
	return m, nil
}

// Valid reports whether m is one of the five modules.
func (m Module) Valid() bool {
	switch m {
	case ModuleReading, ModuleListening, ModuleSpeaking, ModuleWriting, ModuleConversation:
		return true
	}
	return false
}

func (m Module) String() string { return string(m) }

// InsightTable 该模块原始洞察所在的表
func (m Module) InsightTable() string {
	return string(m) + "_memory_insights"
}

// moduleIndex 用于稳定排序
func moduleIndex(m Module) int {
	for i, x := range AllModules {
		if x == m {
			return i
		}
	}
	return len(AllModules)
}
