package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 记录一次拦截请求的策略、结果来源与处理它的 worker 版本。
func RequestFields(requestID, version, strategy, source string) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"request_id": requestID,
		"version":    version,
		"strategy":   strategy,
		"source":     source,
	}
}

// GenerationFields 用于缓存代际的写入、清理日志。
func GenerationFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
