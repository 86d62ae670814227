package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	engineErrors    int64
	venueErrors     int64
	engineWarns     int64
	venueWarns      int64
	cyclesRun       int64
	ordersPlaced    int64
	eventsPublished int64
	alertsSent      int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "venue") {
		atomic.AddInt64(&venueWarns, 1)
	} else {
		atomic.AddInt64(&engineWarns, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "venue") {
		atomic.AddInt64(&venueErrors, 1)
	} else {
		atomic.AddInt64(&engineErrors, 1)
	}
}

// IncrementCycle records one completed reconciliation cycle.
func IncrementCycle() {
	atomic.AddInt64(&cyclesRun, 1)
}

// IncrementOrder records one corrective order submitted to a venue.
func IncrementOrder() {
	atomic.AddInt64(&ordersPlaced, 1)
}

// IncrementEventPublished records one audit event handed to a sink.
func IncrementEventPublished(size int) {
	atomic.AddInt64(&eventsPublished, 1)
	recordChannel("audit_events", size)
}

// IncrementAlert records one human-readable alert delivery.
func IncrementAlert() {
	atomic.AddInt64(&alertsSent, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and engine statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_engine":    atomic.LoadInt64(&engineErrors),
		"errors_venue":     atomic.LoadInt64(&venueErrors),
		"warns_engine":     atomic.LoadInt64(&engineWarns),
		"warns_venue":      atomic.LoadInt64(&venueWarns),
		"cycles_run":       atomic.LoadInt64(&cyclesRun),
		"orders_placed":    atomic.LoadInt64(&ordersPlaced),
		"events_published": atomic.LoadInt64(&eventsPublished),
		"alerts_sent":      atomic.LoadInt64(&alertsSent),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"channels":         channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsVenue"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_venue"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CyclesRun"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cycles_run"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_placed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsPublished"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_published"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("AlertsSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["alerts_sent"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
