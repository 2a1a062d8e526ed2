package storage

// Table names
const (
	TableEventStore      = "EVENT_STORE"
	TableAlertStore      = "ALERT_STORE"
	TableInvalidStore    = "INVALID_EVENT_STORE"
	TableLocalConfig     = "LocalConfig"
	TableUploadFile      = "UploadFile"
	TableServiceSettings = "IGNITE_SERVICE_SETTINGS"
)

// Column names shared across tables
const (
	ColID          = "_id"
	ColEventID     = "EVENTID"
	ColTimestamp   = "TIMESTAMP"
	ColTimezone    = "TIMEZONE"
	ColSize        = "SIZE"
	ColHasAttach   = "HAS_ATTACH"
	ColPriority    = "PRIORITY"
	ColEvents      = "EVENTS"
	ColAppID       = "CLIENT_APP_ID"
	ColTopic       = "TOPIC"
	ColMID         = "MID"
	ColStream      = "STREAM"
	ColBatch       = "BATCH"
	ColGranularity = "GRANULARITY"

	ColFilePath     = "FILE_PATH"
	ColSplitID      = "SPLIT_ID"
	ColIsFinalChunk = "IS_FILE_FINAL_CHUNK"
	ColFileSize     = "FILE_SIZE"

	ColSettingID             = "SETTING_ID"
	ColSettingEnum           = "SETTING_ENUM"
	ColSettingValue          = "VALUE"
	ColSettingResponseStatus = "SETTING_RESPONSE_STATUS"
	ColSettingCorrID         = "SETTING_CORR_ID"
	ColSettingSrcIsDevice    = "SETTING_SRC_ISDEVICE"

	ColKey   = "key"
	ColValue = "value"
)

// SettingNotApplicable is stored in enum/status columns that have no value yet
const SettingNotApplicable = "NA"
