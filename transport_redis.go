package collab

import (
	"context"
	"fmt"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// transport over one redis pub/sub channel per session. A hosted redis
// stands in for the relay binary; every member publishes to and
// subscribes on the same channel, and origin ids separate echoes from
// peer frames.
type RedisTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	client  *redis.Client
	channel string

	pubsub *redis.PubSub

	receiveCallbacks *CallbackList[ReceiveFunction]
}

func NewRedisTransport(ctx context.Context, redisUrl string, sessionId string) (*RedisTransport, error) {
	opt, err := redis.ParseURL(redisUrl)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opt)

	cancelCtx, cancel := context.WithCancel(ctx)
	channel := "collab." + sessionId
	pubsub := client.Subscribe(cancelCtx, channel)
	if _, err := pubsub.Receive(cancelCtx); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	transport := &RedisTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		client:           client,
		channel:          channel,
		pubsub:           pubsub,
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
	}
	go transport.run()
	return transport, nil
}

func (self *RedisTransport) run() {
	defer self.cancel()

	messages := self.pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			frame, err := DecodeFrame([]byte(message.Payload))
			if err != nil {
				glog.Infof("[tr]bad frame = %s\n", err)
				continue
			}
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				receiveCallback(frame)
			}
		}
	}
}

func (self *RedisTransport) Send(frame *Frame) error {
	frameBytes, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	return self.client.Publish(self.ctx, self.channel, frameBytes).Err()
}

func (self *RedisTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *RedisTransport) Close() {
	self.cancel()
	self.pubsub.Close()
	self.client.Close()
}
