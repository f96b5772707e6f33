package statusapi

import (
	"context"
	"errors"

	"github.com/devicemesh/topoctl/device"
	"github.com/go-kit/kit/endpoint"
)

var ErrDeviceNotFound = errors.New("statusapi: device not found")

func MakeSnapshotEndpoint(svc StatusService) endpoint.Endpoint {
	return func(_ context.Context, _ interface{}) (interface{}, error) {
		return snapshot(svc), nil
	}
}

func MakeDeviceEndpoint(svc StatusService) endpoint.Endpoint {
	return func(_ context.Context, request interface{}) (interface{}, error) {
		req := request.(DeviceRequestDTO)

		d, ok := svc.Device(device.ID(req.TaskID))
		if !ok {
			return nil, ErrDeviceNotFound
		}

		return toDTO(d), nil
	}
}

func MakeOperationsEndpoint(svc StatusService) endpoint.Endpoint {
	return func(_ context.Context, _ interface{}) (interface{}, error) {
		return OperationsResponseDTO{InFlight: svc.InFlightCounts()}, nil
	}
}
