package grpc

import (
	"context"
	"errors"
	"strings"

	"github.com/vibast-solutions/ms-go-freeflow/app/service"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"

	"github.com/sirupsen/logrus"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "freeflow.v1.ConversionService"
	ConvertFullMethod   = "/" + ServiceName + "/Convert"
	conversionProtoFile = "freeflow/v1/conversion.proto"
)

// ConversionServiceServer is the developer conversion API. Messages are
// google.protobuf.Struct so clients need no generated stubs.
type ConversionServiceServer interface {
	Convert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ConversionServiceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversionServiceServer)(nil),
	Methods: []gogrpc.MethodDesc{
		{
			MethodName: "Convert",
			Handler:    convertHandler,
		},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: conversionProtoFile,
}

func RegisterConversionServiceServer(s gogrpc.ServiceRegistrar, srv ConversionServiceServer) {
	s.RegisterService(&ConversionServiceDesc, srv)
}

func convertHandler(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConversionServiceServer).Convert(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ConvertFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConversionServiceServer).Convert(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type ConversionClient struct {
	cc gogrpc.ClientConnInterface
}

func NewConversionClient(cc gogrpc.ClientConnInterface) *ConversionClient {
	return &ConversionClient{cc: cc}
}

func (c *ConversionClient) Convert(ctx context.Context, in *structpb.Struct, opts ...gogrpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ConvertFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type ConversionServer struct {
	shiftService service.ShiftService
}

func NewConversionServer(shiftService service.ShiftService) *ConversionServer {
	return &ConversionServer{shiftService: shiftService}
}

func (s *ConversionServer) Convert(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	key, ok := APIKeyFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}

	req := convertRequestFromStruct(in)
	if err := req.Validate(); err != nil {
		logrus.WithField("api_key_id", key.ID).Debug("Conversion validation failed (grpc)")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	fields := logrus.Fields{
		"user_id":       key.UserID,
		"api_key_id":    key.ID,
		"from_currency": req.FromCurrency,
		"to_currency":   req.ToCurrency,
	}

	res, err := s.shiftService.Convert(ctx, key.UserID, key.ID, req)
	if err != nil {
		if errors.Is(err, service.ErrQuoteUnavailable) {
			logrus.WithError(err).WithFields(fields).Warn("Conversion failed: quote unavailable (grpc)")
			return nil, status.Error(codes.Unavailable, "failed to get conversion quote")
		}
		logrus.WithError(err).WithFields(fields).Error("Conversion failed (grpc)")
		return nil, status.Error(codes.Internal, "internal server error")
	}

	logrus.WithFields(fields).WithField("shift_id", res.ShiftID).Info("Conversion initiated (grpc)")
	out, err := structpb.NewStruct(map[string]any{
		"shift_id":    res.ShiftID,
		"from_amount": res.FromAmount,
		"to_amount":   res.ToAmount,
		"status":      res.Status,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

func convertRequestFromStruct(in *structpb.Struct) *types.ConvertRequest {
	fields := in.GetFields()
	body := &types.DeveloperConvertRequest{
		From:          strings.TrimSpace(fields["from"].GetStringValue()),
		To:            strings.TrimSpace(fields["to"].GetStringValue()),
		Amount:        fields["amount"].GetNumberValue(),
		SettleAddress: fields["settle_address"].GetStringValue(),
	}
	return body.ToConvertRequest()
}
