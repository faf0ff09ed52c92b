// Package content 描述代理可服务的内容类别（章节音频、封面图片）。
//
// 每个类别固定一种缓存键方案、一个兜底 Content-Type 以及构造上游请求的方式，
// 代理、下载队列与诊断端都只通过本包的注册表获取这些信息，避免同一内容被多种键方案拆散。
package content
