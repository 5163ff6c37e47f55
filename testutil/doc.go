// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 Avatar-EDU 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 数据库: NewTestDB 返回基于纯 Go SQLite 驱动的临时 GORM 连接
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel，
    用于等待后台压缩与事件推送
  - 数据工具: MustJSON / MustParseJSON

# 子包

  - testutil/mocks: MockProvider（LLM Provider），支持固定响应、
    脚本化响应、延迟与错误注入
  - testutil/fixtures: 五个模块的洞察载荷 JSON 与压缩响应样例

# 使用示例

	db := testutil.NewTestDB(t)
	provider := mocks.NewMockProvider().WithResponse(fixtures.CompressionJSON("ok"))
*/
package testutil
