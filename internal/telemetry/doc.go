// Package telemetry 封装 OpenTelemetry SDK 初始化，
// 为记忆服务提供集中式的 TracerProvider 与 MeterProvider。
// 遥测关闭时使用 noop 实现，不连接任何外部服务。
package telemetry
