// Package version 保存构建时注入的版本信息。进程版本与 worker 版本
// (Worker.Version) 无关：前者标识二进制，后者决定缓存代际。
package version

import "fmt"

var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 与状态端点展示的完整版本信息。
func Full() string {
	return fmt.Sprintf("swproxy %s (%s)", Version, Commit)
}
