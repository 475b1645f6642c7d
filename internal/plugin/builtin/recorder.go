package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wallcrawler/cdp-proxy/internal/cdpmsg"
	"github.com/wallcrawler/cdp-proxy/internal/plugin"
)

// recorderEnabled is off by default: uploading every session's frame log
// to S3 is an optional capability, not something the core proxy requires
// to function. It exists to give the teacher's S3 dependency (used for
// profile download in cmd/ecs-controller/main.go's prepareContext) a
// concrete optional home, mirrored here as an uploader.
const recorderEnabled = false

// recorderBucketEnv names the environment variable holding the target
// bucket; unset disables upload even if the plugin is otherwise enabled.
const recorderBucketEnv = "CDP_PROXY_RECORDER_BUCKET"

func init() {
	plugin.Add(plugin.Factory{
		Name:    "frame-log-recorder",
		Enabled: recorderEnabled,
		Build:   newRecorder,
	})
}

// recorder buffers every frame it sees per session and uploads the buffer
// to S3 when that plugin instance is cleaned up at shutdown.
type recorder struct {
	bucket string

	mu  sync.Mutex
	log map[string]*bytes.Buffer
}

func newRecorder() *plugin.Plugin {
	r := &recorder{
		bucket: os.Getenv(recorderBucketEnv),
		log:    make(map[string]*bytes.Buffer),
	}
	return &plugin.Plugin{
		Name:       "frame-log-recorder",
		OnRequest:  r.record,
		OnResponse: r.record,
		OnEvent:    r.record,
		Cleanup:    r.upload,
	}
}

func (r *recorder) record(ctx context.Context, sessionID string, msg *cdpmsg.Message) (*cdpmsg.Message, error) {
	frame, err := msg.Marshal()
	if err != nil {
		return msg, nil
	}

	r.mu.Lock()
	buf, ok := r.log[sessionID]
	if !ok {
		buf = &bytes.Buffer{}
		r.log[sessionID] = buf
	}
	buf.Write(frame)
	buf.WriteByte('\n')
	r.mu.Unlock()

	return msg, nil
}

func (r *recorder) upload(ctx context.Context) error {
	if r.bucket == "" {
		return nil
	}

	r.mu.Lock()
	sessions := make(map[string]*bytes.Buffer, len(r.log))
	for id, buf := range r.log {
		sessions[id] = buf
	}
	r.log = make(map[string]*bytes.Buffer)
	r.mu.Unlock()

	if len(sessions) == 0 {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return err
	}
	uploader := manager.NewUploader(s3.NewFromConfig(cfg))

	for id, buf := range sessions {
		key := fmt.Sprintf("cdp-proxy/%s/%s.jsonl", id, time.Now().UTC().Format("20060102T150405"))
		_, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &r.bucket,
			Key:    &key,
			Body:   bytes.NewReader(buf.Bytes()),
		})
		if err != nil {
			return fmt.Errorf("uploading frame log for session %s: %w", id, err)
		}
	}
	return nil
}
