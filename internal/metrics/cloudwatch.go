package metrics

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	appconfig "fundingflow/config"
	"fundingflow/logger"
)

//go:embed CWdash.json
var dashboardTemplate string

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
	handlerID     MetricHandlerID
}

var cwState atomic.Pointer[cloudWatchState]

var (
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	pendingMu sync.Mutex
	pending   = make(map[string]*pendingDatum)
)

// pendingDatum accumulates a metric between publishes.
type pendingDatum struct {
	component     string
	name          string
	fields        logger.Fields
	sum           float64
	lastPublished time.Time
}

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "FundingFlow",
		dashboardName: "FundingFlow",
	})
}

// InitCloudWatch creates the CloudWatch client and subscribes it to
// emitted metrics. When the client cannot be created the function logs a
// warning and leaves publishing disabled.
func InitCloudWatch(ctx context.Context, cfg appconfig.CloudWatchConfig) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := cloudWatchState{}
	if current := cwState.Load(); current != nil {
		state = *current
	}
	state.client = cloudwatch.NewFromConfig(awsCfg)
	if cfg.Namespace != "" {
		state.namespace = cfg.Namespace
	}
	if cfg.Dashboard != "" {
		state.dashboardName = cfg.Dashboard
	}
	state.region = awsCfg.Region
	if state.region == "" {
		state.region = region
	}
	if state.handlerID == 0 {
		state.handlerID = RegisterMetricHandler(func(m Metric) {
			if v, ok := toFloat64(m.Value); ok {
				publishMetricDatum(m, v)
			}
		})
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := CreateDashboardFromTemplate(ctx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// CreateDashboardFromTemplate applies the embedded dashboard definition and updates the
// configured CloudWatch dashboard. Invalid JSON or API failures are surfaced to the caller.
func CreateDashboardFromTemplate(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := renderDashboard(state.namespace, state.region)
	if err != nil {
		return err
	}

	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	if err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard from template")
	return nil
}

func renderDashboard(namespace, region string) (string, error) {
	body := dashboardTemplate
	if namespace != "" {
		body = strings.ReplaceAll(body, "\"FundingFlow\"", fmt.Sprintf("%q", namespace))
	}
	if region != "" {
		body = strings.ReplaceAll(body, "\"us-east-1\"", fmt.Sprintf("%q", region))
	}
	if !json.Valid([]byte(body)) {
		return "", fmt.Errorf("dashboard template is not valid JSON after substitution")
	}
	return body, nil
}

// publishMetricDatum adds value to the metric's running sum and publishes
// the sum at most once per cloudWatchPublishInterval.
func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	key := datumKey(metric)
	now := timeNow()

	pendingMu.Lock()
	p, ok := pending[key]
	if !ok {
		p = &pendingDatum{component: metric.Component, name: metric.Name, fields: metric.Fields}
		pending[key] = p
	}
	p.sum += value
	if !p.lastPublished.IsZero() && now.Sub(p.lastPublished) < cloudWatchPublishInterval {
		pendingMu.Unlock()
		return
	}
	sum := p.sum
	p.sum = 0
	p.lastPublished = now
	pendingMu.Unlock()

	datum := cwtypes.MetricDatum{
		MetricName: aws.String(metric.Name),
		Dimensions: dimensions(metric.Component, metric.Fields),
		Unit:       unitFor(metric.Fields),
		Value:      aws.Float64(sum),
		Timestamp:  aws.Time(now),
	}
	publishMetricsFunc(context.Background(), state, []cwtypes.MetricDatum{datum})
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Debug("failed to publish CloudWatch metrics")
	}
}

func resetMetricPublishTimes() {
	pendingMu.Lock()
	pending = make(map[string]*pendingDatum)
	pendingMu.Unlock()
}

func datumKey(metric Metric) string {
	keys := make([]string, 0, len(metric.Fields))
	for k := range metric.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(metric.Component)
	b.WriteByte('/')
	b.WriteString(metric.Name)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", k, metric.Fields[k])
	}
	return b.String()
}

func dimensions(component string, fields logger.Fields) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(component)}}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "unit" {
			continue
		}
		if s, ok := fields[k].(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return dims
}

func unitFor(fields logger.Fields) cwtypes.StandardUnit {
	if raw, ok := fields["unit"].(string); ok {
		switch strings.ToLower(raw) {
		case "percent":
			return cwtypes.StandardUnitPercent
		case "seconds":
			return cwtypes.StandardUnitSeconds
		}
	}
	return cwtypes.StandardUnitCount
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
