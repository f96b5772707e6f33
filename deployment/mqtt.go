package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/devicemesh/topoctl/command"
	"github.com/devicemesh/topoctl/device"
	pkgmqtt "github.com/devicemesh/topoctl/pkg/mqtt"
	"github.com/google/uuid"
)

// MQTTService implements Service over the broker-based pub/sub channel,
// following the same shape as the teacher's manager/service.go: a single
// PubSub, one base topic, dispatch by topic suffix in a Subscribe handler.
type MQTTService struct {
	pubsub  pkgmqtt.PubSub
	topics  *TopicBuilder
	logger  *slog.Logger
	session string

	running int32 // atomic bool

	mu       sync.Mutex
	tasks    []TaskInfo
	taskByID map[device.ID]TaskInfo
}

// NewMQTTService wires an MQTTService against an already-connected PubSub.
// seedTasks is the snapshot returned by IterateTasks; the deployment
// service is the authority on cluster membership, but since the core never
// resizes its device table (spec.md §3 "Lifecycle"), the snapshot is taken
// once, at construction.
func NewMQTTService(pubsub pkgmqtt.PubSub, domainID, channelID string, seedTasks []TaskInfo, logger *slog.Logger) *MQTTService {
	byID := make(map[device.ID]TaskInfo, len(seedTasks))
	for _, ti := range seedTasks {
		byID[ti.TaskID] = ti
	}

	return &MQTTService{
		pubsub:   pubsub,
		topics:   NewTopicBuilder(domainID, channelID),
		logger:   logger,
		session:  uuid.NewString(),
		running:  1,
		tasks:    seedTasks,
		taskByID: byID,
	}
}

func (s *MQTTService) IterateTasks(_ context.Context, pathFilter string) ([]TaskInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pathFilter == "" {
		out := make([]TaskInfo, len(s.tasks))
		copy(out, s.tasks)

		return out, nil
	}

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, ti := range s.tasks {
		if ti.Path == pathFilter {
			out = append(out, ti)
		}
	}

	return out, nil
}

func (s *MQTTService) Broadcast(ctx context.Context, env command.Envelope, pathFilter string) error {
	payload := map[string]any{
		"envelope":    env,
		"path_filter": pathFilter,
	}

	return s.pubsub.Publish(ctx, s.topics.BroadcastTopic(), payload)
}

func (s *MQTTService) SubscribeToCustomCommands(handler CustomCommandHandler) error {
	return s.pubsub.Subscribe(context.Background(), s.topics.ReplyTopic(), func(_ string, msg map[string]interface{}) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		senderID, _ := msg["task_id"].(float64)
		handler(data, device.ID(senderID))

		return nil
	})
}

func (s *MQTTService) SubscribeToTaskDone(handler TaskDoneHandler) error {
	return s.pubsub.Subscribe(context.Background(), s.topics.ExitTopic(), func(_ string, msg map[string]interface{}) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		var ev ExitEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("deployment: failed to decode exit event", slog.Any("error", err))

			return err
		}
		handler(ev)

		return nil
	})
}

func (s *MQTTService) IsRunning() bool {
	return atomic.LoadInt32(&s.running) == 1
}

// Stop marks the session as no longer running; the subscription manager's
// block_until_connected wait (spec.md §4.3) gives up early once this flips.
func (s *MQTTService) Stop() {
	atomic.StoreInt32(&s.running, 0)
}

func (s *MQTTService) SessionID() string {
	return s.session
}

func (s *MQTTService) LookupRuntimeCollection(id device.CollectionID) (CollectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ti := range s.tasks {
		if ti.CollectionID == id {
			return CollectionInfo{Path: ti.Path, Name: ti.Name}, nil
		}
	}

	return CollectionInfo{}, fmt.Errorf("deployment: collection %d not found", id)
}
