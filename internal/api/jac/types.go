package jac

import "fmt"

// ErrorKind 遥测错误类别。引擎对四类错误的处理一致（任务转error），
// 但日志必须能区分
type ErrorKind string

const (
	ErrKindNetwork   ErrorKind = "network"            // 传输层失败（含超时）
	ErrKindAuth      ErrorKind = "auth_failure"       // 厂商拒绝凭证
	ErrKindMalformed ErrorKind = "malformed_response" // 响应缺字段或类型不符
	ErrKindVendor    ErrorKind = "vendor_error"       // 厂商业务失败（如车辆离线）
)

// TelemetryError 遥测调用错误
type TelemetryError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *TelemetryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *TelemetryError) Unwrap() error {
	return e.Err
}

// newError 构造遥测错误
func newError(kind ErrorKind, msg string, err error) *TelemetryError {
	return &TelemetryError{Kind: kind, Msg: msg, Err: err}
}

// vendorResponse 厂商接口统一响应封包
type vendorResponse struct {
	ReturnSuccess bool   `json:"returnSuccess"`
	ReturnErrMsg  string `json:"returnErrMsg"`
}

// conditionResponse 车况查询响应
type conditionResponse struct {
	vendorResponse
	Data *vehicleCondition `json:"data"`
}

// vehicleCondition 车况原始数据。必填字段用指针，便于在唯一的
// 校验点识别缺失字段
type vehicleCondition struct {
	Soc              *float64 `json:"soc"`
	AcOnMile         *float64 `json:"acOnMile"`         // 剩余续航 (km)
	ChgStatus        *int     `json:"chgStatus"`        // 2=未充电，其余值为充电中
	MainLockStatus   *int     `json:"mainLockStatus"`   // 0=解锁，1=锁定
	TotalMileage     *float64 `json:"totalMileage"`     // 总里程表 (km)
	QuickChgLeftTime *int     `json:"quickChgLeftTime"` // 快充剩余分钟，可缺省
	Latitude         string   `json:"latitude"`
	Longitude        string   `json:"longtitude"` // 厂商接口字段拼写如此
}

// controlRequest 远程控制请求
type controlRequest struct {
	Operation     int            `json:"operation"`
	ExtParams     map[string]int `json:"extParams"`
	VIN           string         `json:"vin"`
	OperationType string         `json:"operationType"`
}

// conditionRequest 车况查询请求
type conditionRequest struct {
	VINs []string `json:"vins"`
}
