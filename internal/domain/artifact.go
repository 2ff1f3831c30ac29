package domain

// LogDataType 产物类型
type LogDataType string

const (
	LogDataTypeText LogDataType = "TEXT"
	LogDataTypeMP4  LogDataType = "MP4"
	LogDataTypePNG  LogDataType = "PNG"
	LogDataTypeZIP  LogDataType = "ZIP"
)

// FileExt 返回该类型对应的文件扩展名
func (t LogDataType) FileExt() string {
	switch t {
	case LogDataTypeMP4:
		return ".mp4"
	case LogDataTypePNG:
		return ".png"
	case LogDataTypeZIP:
		return ".zip"
	default:
		return ".txt"
	}
}

// IsValid 是否为已知类型
func (t LogDataType) IsValid() bool {
	switch t {
	case LogDataTypeText, LogDataTypeMP4, LogDataTypePNG, LogDataTypeZIP:
		return true
	}
	return false
}
