package domain

import (
	"github.com/asynkron/protoactor-go/actor"
)

type ActorRef actor.PID

type ActorRequestMixIn struct {
	ReplyToRef *ActorRef
}

type ActorRequest interface {
	ReplyTo() *ActorRef
}

func (r ActorRequestMixIn) ReplyTo() *ActorRef {
	return r.ReplyToRef
}

// SiteRequestMixIn routes a request to the actor owning the site.
type SiteRequestMixIn struct {
	ActorRequestMixIn
	SiteId string
}

type SiteRequest interface {
	ActorRequest
	Site() string
}

func (r SiteRequestMixIn) Site() string {
	return r.SiteId
}

type ActorResponseMixIn struct {
	ResponseError error
}

func ResponseError(err error) ActorResponseMixIn {
	return ActorResponseMixIn{ResponseError: err}
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}
