// Copyright (c) Avatar-EDU Authors.
// Licensed under the MIT License.

/*
包 server 管理 HTTP/HTTPS 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动（配置证书时通过
tlsutil 加载 TLS），Shutdown 在 ShutdownTimeout 内优雅关闭，
Errors 暴露异步服务错误供主进程 select。信号处理由调用方负责。
*/
package server
