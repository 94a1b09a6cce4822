package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDecodeInbound(t *testing.T) {
	in, err := Decode([]byte(`{"event":"accept-ride","data":{"ride_id":"r1","sub_driver_id":"sd1"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	cmd, ok := in.(AcceptRideCmd)
	if !ok || cmd.RideID != "r1" || cmd.SubDriverID != "sd1" {
		t.Fatalf("unexpected command %#v", in)
	}

	in, err = Decode([]byte(`{"event":"update-availability","data":{"available":false}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if av := in.(UpdateAvailabilityCmd); av.Available == nil || *av.Available {
		t.Fatalf("expected available=false, got %#v", av)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]error{
		`{"event":"teleport","data":{}}`:                           ErrUnknownEvent,
		`not json`:                                                 ErrInvalidPayload,
		`{"event":"join-ride","data":{}}`:                          ErrInvalidPayload,
		`{"event":"join-ride","data":{"ride_id":7}}`:               ErrInvalidPayload,
		`{"event":"update-location","data":{"loc":{"lat":91}}}`:    ErrInvalidPayload,
		`{"event":"update-availability","data":{}}`:                ErrInvalidPayload,
		`{"event":"otp_generated","data":{"ride_id":"r","code":"12a4"}}`: ErrInvalidPayload,
	}
	for frame, want := range cases {
		if _, err := Decode([]byte(frame)); !errors.Is(err, want) {
			t.Errorf("%s: expected %v, got %v", frame, want, err)
		}
	}
}

func TestEncodeOffer(t *testing.T) {
	r := &models.Ride{ID: "r1", Service: models.ServiceDelivery, Vehicle: models.VehicleBike}
	r.Pricing.FinalAmount = 8500
	frame, err := Encode(NewRideRequest, OfferFor(r))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event != NewRideRequest {
		t.Fatalf("unexpected event %q", env.Event)
	}
	var offer RideOffer
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if offer.RideID != "r1" || offer.Fare != 8500 || offer.Service != models.ServiceDelivery {
		t.Fatalf("unexpected offer %+v", offer)
	}
}
