package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供内容类别/内容 ID/缓存键/命中状态字段，供代理与下载日志复用。
func RequestFields(class, contentID, key string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"class":      class,
		"content_id": contentID,
		"cache_key":  key,
		"cache_hit":  cacheHit,
	}
}
