package constants

import "time"

const (
	// DefaultExtractorVer 当前结构化抽取流程的版本号，写入候选人记录便于回溯
	DefaultExtractorVer = "1.0"

	// MD5RecordExpireDefault 上传去重MD5记录的默认保留时长
	MD5RecordExpireDefault = 30 * 24 * time.Hour
)

// Redis Key 前缀和格式常量
// 统一命名规范: hireflow:{module}:{entity}:{unique_id}
const (
	// AppPrefix 所有Redis Key的统一应用前缀
	AppPrefix = "hireflow"

	// KeyMatchSession 岗位匹配结果缓存 (ZSET, member=candidate_id, score=match score)
	// 格式: hireflow:match:session:{jobID}
	KeyMatchSession = AppPrefix + ":match:session:%s"

	// KeyMatchLock 匹配计算分布式锁 (STRING)
	// 格式: hireflow:match:lock:{jobID}
	KeyMatchLock = AppPrefix + ":match:lock:%s"

	// KeyJobDescriptionVector JD查询向量缓存 (HASH: vector + model)
	// 格式: hireflow:job:vector:{jobID}
	KeyJobDescriptionVector = AppPrefix + ":job:vector:%s"

	// KeyFileMD5Set 已上传简历文件MD5集合，用于快速去重 (SET)
	KeyFileMD5Set = AppPrefix + ":file:dedup_set"

	// KeyFileMD5ToCandidate MD5到候选人ID的映射 (STRING)
	// 格式: hireflow:file:md5_to_candidate:{md5}
	KeyFileMD5ToCandidate = AppPrefix + ":file:md5_to_candidate:%s"
)

// RabbitMQ 交换机/队列/路由键
const (
	CVEventsExchange     = "hireflow.cv.events"
	CVUploadedRoutingKey = "cv.uploaded"
	CVIngestQueue        = "hireflow.cv.ingest"
)
