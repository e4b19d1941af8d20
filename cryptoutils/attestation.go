// Package cryptoutils wraps the hardware attestation device and exposes
// measurement+certificate bundles classified by runtime environment.
package cryptoutils

import (
	"bytes"
	"crypto/sha512"
	"fmt"
	"io"
	"net/http"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_client "github.com/google/go-tdx-guest/client"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"

	"github.com/enclaved-org/enclaved/interfaces"
)

// ClassifyEnv derives the runtime environment from the measurement
// registers: an all-zero register 0 signals a debug enclave, otherwise
// the operator's prod flag decides between prod and dev.
func ClassifyEnv(measurements map[int][]byte, prod bool) interfaces.RuntimeEnv {
	reg0 := measurements[0]
	if len(reg0) == 0 {
		return interfaces.EnvDebug
	}
	allZero := true
	for _, b := range reg0 {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return interfaces.EnvDebug
	}
	if prod {
		return interfaces.EnvProd
	}
	return interfaces.EnvDev
}

// reportData expands arbitrary user data into the fixed 64-byte report
// data field of a quote.
func reportData(userData []byte) [64]byte {
	var rd [64]byte
	sum := sha512.Sum512(userData)
	copy(rd[:], sum[:])
	return rd
}

// DCAPAttestationProvider produces TDX DCAP quotes from the local quote
// device.
type DCAPAttestationProvider struct {
	// Prod marks the deployment as production; only meaningful when the
	// measurements are non-debug.
	Prod bool
}

func (p *DCAPAttestationProvider) Attest(userData []byte) (*interfaces.AttestationInfo, error) {
	rd := reportData(userData)

	var raw []byte
	qp := &tdx_client.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		var err error
		raw, err = qp.GetRawQuote(rd)
		if err != nil {
			return nil, fmt.Errorf("fetching quote: %w", err)
		}
	} else {
		qd, err := tdx_client.OpenDevice()
		if err != nil {
			return nil, fmt.Errorf("opening quote device: %w", err)
		}
		defer qd.Close()
		raw, err = tdx_client.GetRawQuote(qd, rd)
		if err != nil {
			return nil, fmt.Errorf("fetching quote: %w", err)
		}
	}

	measurements, err := QuoteMeasurements(raw)
	if err != nil {
		return nil, err
	}

	return &interfaces.AttestationInfo{
		Document:     raw,
		Measurements: measurements,
		Env:          ClassifyEnv(measurements, p.Prod),
	}, nil
}

// RemoteAttestationProvider fetches quotes from a quote provider
// reachable over HTTP, for hosts where the device is proxied out of the
// sandbox.
type RemoteAttestationProvider struct {
	Address string
	Prod    bool
}

func (p *RemoteAttestationProvider) Attest(userData []byte) (*interfaces.AttestationInfo, error) {
	rd := reportData(userData)

	url := fmt.Sprintf("%s/attest/%x", p.Address, rd[:])
	resp, err := http.DefaultClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("calling remote quote provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote quote provider returned status %d: %s", resp.StatusCode, string(body))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading quote from response: %w", err)
	}

	measurements, err := QuoteMeasurements(raw)
	if err != nil {
		return nil, err
	}

	return &interfaces.AttestationInfo{
		Document:     raw,
		Measurements: measurements,
		Env:          ClassifyEnv(measurements, p.Prod),
	}, nil
}

// QuoteMeasurements extracts the measurement registers from a raw TDX
// quote: register 0 is MRTD, 1-4 the runtime registers, 5-7 the config
// and owner measurements.
func QuoteMeasurements(raw []byte) (map[int][]byte, error) {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	body := v4Quote.TdQuoteBody
	return map[int][]byte{
		0: body.MrTd,
		1: body.Rtmrs[0],
		2: body.Rtmrs[1],
		3: body.Rtmrs[2],
		4: body.Rtmrs[3],
		5: body.MrConfigId,
		6: body.MrOwner,
		7: body.MrOwnerConfig,
	}, nil
}

// VerifyReportData checks that a parsed quote binds the expected user
// data.
func VerifyReportData(raw []byte, userData []byte) error {
	protoQuote, err := tdx_abi.QuoteToProto(raw)
	if err != nil {
		return fmt.Errorf("could not parse quote: %w", err)
	}
	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return fmt.Errorf("unsupported quote type: %T", protoQuote)
	}
	rd := reportData(userData)
	if !bytes.Equal(v4Quote.TdQuoteBody.ReportData, rd[:]) {
		return fmt.Errorf("invalid report data %x", v4Quote.TdQuoteBody.ReportData)
	}
	return nil
}

// DummyAttestationProvider fabricates an unsigned bundle with all-zero
// measurements. It always classifies as debug and exists for tests and
// for running outside an enclave.
type DummyAttestationProvider struct{}

func (DummyAttestationProvider) Attest(userData []byte) (*interfaces.AttestationInfo, error) {
	measurements := map[int][]byte{}
	for i := 0; i < 5; i++ {
		measurements[i] = make([]byte, 48)
	}
	return &interfaces.AttestationInfo{
		Document:     []byte(fmt.Sprintf("dummy attestation for %x", userData)),
		Measurements: measurements,
		Env:          interfaces.EnvDebug,
	}, nil
}
