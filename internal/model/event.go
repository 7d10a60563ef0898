// internal/model/event.go
package model

// Platform 은 요청 파라미터 plat 값 (0:iOS, 1:Android).
type Platform int

const (
	PlatformIOS     Platform = 0
	PlatformAndroid Platform = 1
)

// Valid 는 알려진 플랫폼 값인지 확인한다.
func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

func (p Platform) String() string {
	switch p {
	case PlatformIOS:
		return "iOS"
	case PlatformAndroid:
		return "Android"
	default:
		return "unknown"
	}
}

// EventBatch
// ------------------------------------------------------------
// SDK 가 한 번의 /log 요청으로 보낸 이벤트 묶음.
//
// 수명:
//   - Decoder 가 요청 body 로부터 생성
//   - Reconcile → Enrich 단계가 같은 goroutine 에서 순서대로 in-place 수정
//   - Log Sink 에 append 될 때 JSON 한 줄로 직렬화되고 요청이 끝나면 버려진다
//
// APIVersion / Platform / SDKVersion / AppKey 는 body 가 아니라
// 쿼리 파라미터에서 채워진다.
type EventBatch struct {
	APIVersion int      `json:"apiv"`
	Platform   Platform `json:"plat"`
	SDKVersion string   `json:"sdkv"`
	AppKey     string   `json:"appKey"`

	DeviceID string `json:"did"`
	ClientTs int64  `json:"ts"`       // 배치 전송 시각 (클라이언트 시계, ms)
	ServerTs int64  `json:"serverTs"` // 수신 시각 (서버 시계, ms)

	Geo          *GeoData      `json:"geo,omitempty"`
	PublisherApp *PublisherApp `json:"pubApp,omitempty"`

	Events []*Event `json:"events"`
}

// Event
// ------------------------------------------------------------
// 배치 안의 단일 텔레메트리 레코드.
// ServerTs / AdType / ABTest 는 파이프라인이 채우는 파생 필드이며,
// placement 조회에 실패하면 AdType / ABTest 는 nil 로 남는다.
type Event struct {
	EventID     int    `json:"eid"`
	ClientTs    int64  `json:"ts"`
	PlacementID string `json:"pid,omitempty"`
	MediationID int    `json:"mid,omitempty"`
	InstanceID  int    `json:"iid,omitempty"`
	Scene       int    `json:"scene,omitempty"`
	Message     string `json:"msg,omitempty"`

	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"cur,omitempty"`

	ServerTs int64   `json:"serverTs"`
	AdType   *AdType `json:"adType,omitempty"`
	ABTest   *ABTest `json:"abt,omitempty"`
}
