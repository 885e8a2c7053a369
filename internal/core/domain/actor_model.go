package domain

const (
	ACTOR_ID_ORCHESTRATOR = "orchestrator"
	ACTOR_ID_SITE_PREFIX  = "site-"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
)

// Orchestrator requests

type RegisterSiteRequest struct {
	ActorRequestMixIn
	Config BlackStartConfig
}

type RegisterSiteResponse struct {
	ActorResponseMixIn
	Replaced bool
}

type StopSiteRequest struct {
	SiteRequestMixIn
}

type StopSiteResponse struct {
	ActorResponseMixIn
}

type ListSitesRequest struct {
	ActorRequestMixIn
}

type ListSitesResponse struct {
	ActorResponseMixIn
	SiteIds []string
}

// Site requests, routed by the orchestrator to the site actor

type GetIslandStatusRequest struct {
	SiteRequestMixIn
}

type GetIslandStatusResponse struct {
	ActorResponseMixIn
	Status *IslandStatus
}

type InitiateBlackStartRequest struct {
	SiteRequestMixIn
	Cause string
}

type InitiateBlackStartResponse struct {
	ActorResponseMixIn
	EventId string
}

type ManualReconnectRequest struct {
	SiteRequestMixIn
	UserId string
}

type ManualReconnectResponse struct {
	ActorResponseMixIn
}

// Health

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

// ensure interface compliance
var _ SiteRequest = (*GetIslandStatusRequest)(nil)
var _ SiteRequest = (*InitiateBlackStartRequest)(nil)
var _ SiteRequest = (*ManualReconnectRequest)(nil)
var _ SiteRequest = (*StopSiteRequest)(nil)

// MQTT actor requests

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors []GenericSensor
	Buttons []GenericButton
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}
