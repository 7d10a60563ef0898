package model

// AuditRecord
// ------------------------------------------------------------
// interaction 이벤트(501/502/503)를 보조 스트림(lr)에 한 번 더 남기기 위한 투영.
// 배치 단위 식별 정보 + 이벤트의 상관관계 id 만 가진다.
// 원본 Event 와는 수명이 독립적이므로 포인터를 공유하지 않고 값으로 복사한다.
type AuditRecord struct {
	DeviceID    string   `json:"did"`
	AppKey      string   `json:"appKey"`
	Platform    Platform `json:"plat"`
	SDKVersion  string   `json:"sdkv"`
	APIVersion  int      `json:"apiv"`
	PubAppID    int      `json:"pubAppId,omitempty"`
	PublisherID int      `json:"publisherId,omitempty"`
	Country     string   `json:"country,omitempty"`

	Type        int    `json:"type"`
	ServerTs    int64  `json:"serverTs"`
	MediationID int    `json:"mid"`
	PlacementID string `json:"pid"`
	InstanceID  int    `json:"iid"`
	Scene       int    `json:"scene"`
	ABTest      ABTest `json:"abt"`
}

// NewAuditRecord 는 배치 단위 필드만 채운 레코드를 만든다.
func NewAuditRecord(b *EventBatch) AuditRecord {
	r := AuditRecord{
		DeviceID:   b.DeviceID,
		AppKey:     b.AppKey,
		Platform:   b.Platform,
		SDKVersion: b.SDKVersion,
		APIVersion: b.APIVersion,
	}
	if b.PublisherApp != nil {
		r.PubAppID = b.PublisherApp.ID
		r.PublisherID = b.PublisherApp.PublisherID
	}
	if b.Geo != nil {
		r.Country = b.Geo.Country
	}
	return r
}
