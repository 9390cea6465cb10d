package metrics

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/terminal-bench/gridchain/internal/chain"
)

// Recorder exports node counters to InfluxDB: blocks produced,
// transactions per block, trades settled, matching latency, and mempool
// occupancy. The write API is non-blocking; block production never
// waits on the metrics backend.
type Recorder struct {
	client    influxdb2.Client
	write     api.WriteAPI
	validator string
}

// New connects a recorder for one validator identity.
func New(url, token, org, bucket, validator string) *Recorder {
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client:    client,
		write:     client.WriteAPI(org, bucket),
		validator: validator,
	}
}

// Noop returns a recorder that drops everything, for deployments
// without a metrics backend.
func Noop() *Recorder { return &Recorder{} }

// BlockFinalized records one committed block.
func (r *Recorder) BlockFinalized(block *chain.Block, tradesSettled, tradesFailed int, matchTime time.Duration) {
	if r.write == nil {
		return
	}
	p := influxdb2.NewPoint("block_finalized",
		map[string]string{"validator": r.validator, "proposer": block.Proposer},
		map[string]interface{}{
			"height":          int64(block.Height),
			"tx_count":        len(block.TxHashes),
			"trades_settled":  tradesSettled,
			"trades_failed":   tradesFailed,
			"match_time_ms":   float64(matchTime.Microseconds()) / 1000.0,
			"signature_count": len(block.Signatures),
		},
		block.Timestamp,
	)
	r.write.WritePoint(p)
}

// ProposalTimedOut records a slot lost to a failed quorum.
func (r *Recorder) ProposalTimedOut(height uint64) {
	if r.write == nil {
		return
	}
	p := influxdb2.NewPoint("proposal_timeout",
		map[string]string{"validator": r.validator},
		map[string]interface{}{"height": int64(height)},
		time.Now().UTC(),
	)
	r.write.WritePoint(p)
}

// MempoolOccupancy records the pool size after admission or drain.
func (r *Recorder) MempoolOccupancy(n int) {
	if r.write == nil {
		return
	}
	p := influxdb2.NewPoint("mempool",
		map[string]string{"validator": r.validator},
		map[string]interface{}{"occupancy": n},
		time.Now().UTC(),
	)
	r.write.WritePoint(p)
}

// Close flushes buffered points and shuts the client down.
func (r *Recorder) Close() {
	if r.client == nil {
		return
	}
	r.write.Flush()
	r.client.Close()
}
