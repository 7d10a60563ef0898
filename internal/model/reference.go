package model

// AdType 은 placement 에 설정된 광고 형식 코드.
type AdType int

const (
	AdTypeBanner AdType = iota
	AdTypeNative
	AdTypeRewardedVideo
	AdTypeInterstitial
	AdTypeSplash
)

func (a AdType) String() string {
	switch a {
	case AdTypeBanner:
		return "Banner"
	case AdTypeNative:
		return "Native"
	case AdTypeRewardedVideo:
		return "RewardedVideo"
	case AdTypeInterstitial:
		return "Interstitial"
	case AdTypeSplash:
		return "Splash"
	default:
		return "unknown"
	}
}

// ABTest 는 A/B 테스트 버킷. 할당 로직이 꺼져 있으면 항상 ABTestNone.
type ABTest int

const (
	ABTestNone ABTest = 0
	ABTestA    ABTest = 1
	ABTestB    ABTest = 2
)

// PublisherApp 은 app key 로 조회되는 퍼블리셔 앱 정보 (읽기 전용).
type PublisherApp struct {
	ID          int    `json:"id"`
	PublisherID int    `json:"publisherId"`
	AppKey      string `json:"-"`
	Name        string `json:"-"`
}

// Placement 는 placement id 로 조회되는 광고 지면 정보 (읽기 전용).
// ABTestRatioB 는 B 버킷으로 보낼 비율(0~100). 0 이면 A/B 테스트를 하지 않는다.
type Placement struct {
	ID           string
	PubAppID     int
	AdType       AdType
	ABTestRatioB int
}

// GeoData 는 접속 IP 기준의 대략적인 위치 정보.
// 조회 실패 시에도 nil 이 아니라 Country="" 인 값이 붙는다.
type GeoData struct {
	IP      string `json:"ip,omitempty"`
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}
