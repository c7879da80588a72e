package phyapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nr-mac-scheduler/model"
	"github.com/signalsfoundry/nr-mac-scheduler/timectrl"
)

// Client is a typed PHY-side client of the scheduler service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) error {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, FullMethod(method), req, new(emptypb.Empty), opts...)
}

// SlotIndication starts slot on the scheduler.
func (c *Client) SlotIndication(ctx context.Context, slot timectrl.SlotPoint, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodSlotIndication, map[string]any{"slot": slotField(slot)}, opts...)
}

// GenerateSchedResult fetches the decisions for slot on carrier cc.
func (c *Client) GenerateSchedResult(ctx context.Context, slot timectrl.SlotPoint, cc uint32, opts ...grpc.CallOption) (model.SchedResult, error) {
	req, err := structpb.NewStruct(map[string]any{"slot": slotField(slot), "cc": cc})
	if err != nil {
		return model.SchedResult{}, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(MethodGenerateSchedResult), req, resp, opts...); err != nil {
		return model.SchedResult{}, err
	}
	return decodeResult(resp)
}

// DLAckInfo reports HARQ-ACK feedback for a downlink transport block.
func (c *Client) DLAckInfo(ctx context.Context, rnti model.RNTI, cc, pid uint32, tb int, ack bool, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodDlAckInfo, map[string]any{
		"rnti": uint32(rnti), "cc": cc, "pid": pid, "tb": tb, "ack": ack,
	}, opts...)
}

// ULCRCInfo reports the CRC outcome of a PUSCH.
func (c *Client) ULCRCInfo(ctx context.Context, rnti model.RNTI, cc, pid uint32, crc bool, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodUlCrcInfo, map[string]any{
		"rnti": uint32(rnti), "cc": cc, "pid": pid, "crc": crc,
	}, opts...)
}

// ULSRInfo reports a scheduling request.
func (c *Client) ULSRInfo(ctx context.Context, rnti model.RNTI, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodUlSrInfo, map[string]any{"rnti": uint32(rnti)}, opts...)
}

// ULBSR reports a buffer status for a logical channel group.
func (c *Client) ULBSR(ctx context.Context, rnti model.RNTI, lcg, bytes uint32, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodUlBsr, map[string]any{
		"rnti": uint32(rnti), "lcg": lcg, "bytes": bytes,
	}, opts...)
}

// DLBufferState reports RLC queue sizes of a logical channel.
func (c *Client) DLBufferState(ctx context.Context, rnti model.RNTI, lcid, newTx, retx uint32, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodDlBufferState, map[string]any{
		"rnti": uint32(rnti), "lcid": lcid, "new_tx": newTx, "retx": retx,
	}, opts...)
}

// DLRACHInfo reports a detected preamble.
func (c *Client) DLRACHInfo(ctx context.Context, info model.RARInfo, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodDlRachInfo, map[string]any{
		"cc":         info.CC,
		"preamble":   info.Preamble,
		"temp_crnti": uint32(info.TempCRNTI),
		"ta":         info.TA,
		"prach_slot": info.PRACHSlot,
	}, opts...)
}

// DLCQIInfo reports a wideband CQI.
func (c *Client) DLCQIInfo(ctx context.Context, rnti model.RNTI, cc, cqi uint32, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodDlCqiInfo, map[string]any{
		"rnti": uint32(rnti), "cc": cc, "cqi": cqi,
	}, opts...)
}

// DLMACCE queues a MAC control element for the UE.
func (c *Client) DLMACCE(ctx context.Context, rnti model.RNTI, lcid uint32, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodDlMacCe, map[string]any{"rnti": uint32(rnti), "lcid": lcid}, opts...)
}

// UECfg adds or reconfigures a UE.
func (c *Client) UECfg(ctx context.Context, rnti model.RNTI, cfg model.UEConfig, opts ...grpc.CallOption) error {
	req, err := encodeUEConfig(rnti, cfg)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, FullMethod(MethodUeConfig), req, new(emptypb.Empty), opts...)
}

// UERem removes a UE.
func (c *Client) UERem(ctx context.Context, rnti model.RNTI, opts ...grpc.CallOption) error {
	return c.call(ctx, MethodUeRemove, map[string]any{"rnti": uint32(rnti)}, opts...)
}

// MetricsRead returns and resets the per-UE counters.
func (c *Client) MetricsRead(ctx context.Context, opts ...grpc.CallOption) ([]model.UEMetrics, error) {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(MethodMetricsRead), new(emptypb.Empty), resp, opts...); err != nil {
		return nil, err
	}
	return decodeMetrics(resp)
}

// slotField encodes slot, using an empty object for the invalid slot.
func slotField(slot timectrl.SlotPoint) map[string]any {
	if m := encodeSlot(slot); m != nil {
		return m
	}
	return map[string]any{}
}
