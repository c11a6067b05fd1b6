package events

import (
	"context"
	"net/http"
	"testing"

	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns

var method = expects.RequestMethod
var bodyContaining = expects.RequestBodyContaining

func TestThatPublishedEventsArePostedToTheEndpoint(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
			bodyContaining(`"topic":"cim.entity.Beach"`, "urn:ngsi-ld:Beach:b1"),
		),
		Returns(
			response.Code(http.StatusOK),
		),
	)
	defer s.Close()

	ctx := context.Background()
	p := NewHttpPublisher(s.URL())

	is.NoErr(p.Start())

	err := p.Publish(ctx, "cim.entity.Beach", "urn:ngsi-ld:Beach:b1", []byte(`{"entityId":"urn:ngsi-ld:Beach:b1"}`))
	is.NoErr(err)

	is.NoErr(p.Stop())

	is.Equal(s.RequestCount(), 1)
}

func TestThatPublishFailsWhenNotStarted(t *testing.T) {
	is := is.New(t)

	p := NewHttpPublisher("http://localhost:1")
	err := p.Publish(context.Background(), "cim.entity.Beach", "urn:ngsi-ld:Beach:b1", []byte(`{}`))
	is.True(err != nil)
}

func TestValidateTopic(t *testing.T) {
	is := is.New(t)

	is.NoErr(ValidateTopic("cim.entity.Beach"))
	is.NoErr(ValidateTopic(CatchAllTopic))
	is.True(ValidateTopic("cim.entity.https://example.org/Beach") != nil)
	is.True(ValidateTopic("..") != nil)
	is.True(ValidateTopic(EntityTopic(string(make([]byte, 250)))) != nil)
}
