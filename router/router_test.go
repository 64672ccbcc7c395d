package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/mocks"
	"github.com/alwitt/fruitscan/pipeline"
	"github.com/alwitt/fruitscan/session"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type routerTestClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *routerTestClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *routerTestClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

type routerFixture struct {
	clock     *routerTestClock
	registry  session.Registry
	gateway   *mocks.ConfigGateway
	pipeline  *mocks.Pipeline
	publisher *mocks.ResponsePublisher
	processor common.TaskProcessor
	uut       CommandRouter
}

func newRouterFixture(t *testing.T, ctxt context.Context, limit int) routerFixture {
	clock := &routerTestClock{now: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)}
	registry, err := session.DefineRegistry(session.RegistryParams{
		Limit: limit, Timeout: time.Second * 10, Clock: clock.Now,
	})
	if err != nil {
		t.Fatalf("define registry: %v", err)
	}
	varieties, err := NewVarietyTable(common.DefaultVarietyCodes())
	if err != nil {
		t.Fatalf("define variety table: %v", err)
	}
	processor, err := common.GetNewKeyedTaskProcessorInstance("router-ut", 16, ctxt)
	if err != nil {
		t.Fatalf("define processor: %v", err)
	}
	fixture := routerFixture{
		clock:     clock,
		registry:  registry,
		gateway:   &mocks.ConfigGateway{},
		pipeline:  &mocks.Pipeline{},
		publisher: &mocks.ResponsePublisher{},
		processor: processor,
	}
	fixture.uut, err = DefineCommandRouter(Params{
		Registry:  registry,
		Gateway:   fixture.gateway,
		Pipeline:  fixture.pipeline,
		Publisher: fixture.publisher,
		Varieties: varieties,
		Processor: processor,
	}, ctxt)
	if err != nil {
		t.Fatalf("define router: %v", err)
	}
	return fixture
}

func sessionCount(registry session.Registry, deviceID string) int {
	for _, summary := range registry.Snapshot() {
		if summary.DeviceID == deviceID {
			return summary.Count
		}
	}
	return -1
}

func TestParseMessage(t *testing.T) {
	assert := assert.New(t)

	// Case 0: reading
	{
		parsed, err := ParseMessage("10.5,20.1, 30 ,AA:BB ")
		assert.Nil(err)
		assert.Equal(KindReading, parsed.Kind)
		assert.Equal("AA:BB", parsed.DeviceID)
		assert.Equal([]string{"10.5", "20.1", "30", "AA:BB"}, parsed.Tokens)
	}

	// Case 1: commands
	{
		parsed, err := ParseMessage(" MR ,AA:BB")
		assert.Nil(err)
		assert.Equal(KindBoot, parsed.Kind)
		parsed, err = ParseMessage("MC,BANANA[RO],AA:BB")
		assert.Nil(err)
		assert.Equal(KindModelChange, parsed.Kind)
	}

	// Case 2: malformed
	{
		_, err := ParseMessage("  ")
		assert.ErrorIs(err, ErrMalformedMessage)
		_, err = ParseMessage("1,2, ")
		assert.ErrorIs(err, ErrMalformedMessage)
	}

	// Case 3: task key is the device ID
	{
		assert.Equal("AA:BB", InboundMessage{Payload: "1,2, AA:BB"}.TaskKey())
	}
}

func TestVarietyTable(t *testing.T) {
	assert := assert.New(t)

	uut, err := NewVarietyTable(common.DefaultVarietyCodes())
	assert.Nil(err)
	assert.Equal(16, uut.Len())

	id, err := uut.Lookup("BANANA[RO]")
	assert.Nil(err)
	assert.Equal(9, id)
	id, err = uut.Lookup("WHITE STD[WH]")
	assert.Nil(err)
	assert.Equal(12, id)
	_, err = uut.Lookup("KIWI[GO]")
	assert.ErrorIs(err, ErrUnknownVarietyCode)

	_, err = NewVarietyTable([]common.VarietyCodeEntry{
		{Code: "APPLE[GR]", VarietyID: 2}, {Code: "APPLE[GR]", VarietyID: 3},
	})
	assert.NotNil(err)
}

func TestRouterBoot(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(t, utCtxt, 10)

	// Case 0: boot responds with the assignment and catalog, and resets the session
	{
		_, err := fixture.uut.ProcessMessage(utCtxt, "1,2,AA")
		assert.Nil(err)
		assert.Equal(1, sessionCount(fixture.registry, "AA"))

		fixture.gateway.On("GetCurrentAssignment", mock.Anything, "AA").
			Return(common.FruitVariety{Fruit: "APPLE", Variety: "GREEN"}, nil).Once()
		fixture.gateway.On("GetCatalog", mock.Anything).Return([]common.FruitVariety{
			{Fruit: "APPLE", Variety: "GREEN"}, {Fruit: "BANANA", Variety: "ROBUSTA"},
		}, nil).Once()
		fixture.publisher.On(
			"Publish", mock.Anything, "/AA", []byte("!APPLE[GR],APPLE[GR],BANANA[RO]"),
		).Return(nil).Once()

		result, err := fixture.uut.ProcessMessage(utCtxt, "MR,AA")
		assert.Nil(err)
		assert.Equal(KindBoot, result.Kind)
		assert.Equal("!APPLE[GR],APPLE[GR],BANANA[RO]", result.Response)
		assert.Equal(0, sessionCount(fixture.registry, "AA"))
	}

	// Case 1: boot failure still resets the session
	{
		_, err := fixture.uut.ProcessMessage(utCtxt, "1,2,BB")
		assert.Nil(err)
		fixture.gateway.On("GetCurrentAssignment", mock.Anything, "BB").
			Return(common.FruitVariety{}, fmt.Errorf("db down")).Once()

		result, err := fixture.uut.ProcessMessage(utCtxt, "MR,BB")
		assert.ErrorIs(err, ErrCommandFailed)
		assert.Empty(result.Response)
		assert.Equal(0, sessionCount(fixture.registry, "BB"))
	}

	fixture.gateway.AssertExpectations(t)
	fixture.publisher.AssertExpectations(t)
	fixture.publisher.AssertNumberOfCalls(t, "Publish", 1)
}

func TestRouterModelChange(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(t, utCtxt, 10)

	// Case 0: model change keeps buffered readings on success
	{
		_, err := fixture.uut.ProcessMessage(utCtxt, "1,2,AA")
		assert.Nil(err)
		fixture.gateway.On("SetAssignment", mock.Anything, "AA", 9).Return(nil).Once()
		fixture.publisher.On("Publish", mock.Anything, "/AA", []byte("@9")).Return(nil).Once()

		result, err := fixture.uut.ProcessMessage(utCtxt, "MC,BANANA[RO],AA")
		assert.Nil(err)
		assert.Equal("@9", result.Response)
		assert.Equal(1, sessionCount(fixture.registry, "AA"))
	}

	// Case 1: unknown code fails without touching the gateway, and resets
	{
		_, err := fixture.uut.ProcessMessage(utCtxt, "1,2,BB")
		assert.Nil(err)
		result, err := fixture.uut.ProcessMessage(utCtxt, "MC,KIWI[GO],BB")
		assert.ErrorIs(err, ErrCommandFailed)
		assert.ErrorIs(err, ErrUnknownVarietyCode)
		assert.Empty(result.Response)
		assert.Equal(0, sessionCount(fixture.registry, "BB"))
		fixture.gateway.AssertNotCalled(t, "SetAssignment", mock.Anything, "BB", mock.Anything)
	}

	// Case 2: gateway failure
	{
		fixture.gateway.On("SetAssignment", mock.Anything, "CC", 2).
			Return(fmt.Errorf("db down")).Once()
		_, err := fixture.uut.ProcessMessage(utCtxt, "MC,APPLE[GR],CC")
		assert.ErrorIs(err, ErrCommandFailed)
	}

	// Case 3: no code
	{
		_, err := fixture.uut.ProcessMessage(utCtxt, "MC,DD")
		assert.ErrorIs(err, ErrMalformedMessage)
	}

	// Case 4: the router keeps running after failures
	{
		result, err := fixture.uut.ProcessMessage(utCtxt, "3,4,EE")
		assert.Nil(err)
		assert.Equal(1, result.Count)
	}

	fixture.gateway.AssertExpectations(t)
	fixture.publisher.AssertExpectations(t)
}

func TestRouterReadingFlush(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(t, utCtxt, 3)

	// Case 0: the third reading flushes exactly once
	{
		fixture.pipeline.On(
			"Flush", mock.Anything, "AA", "/AA", []string{"1,2,AA", "3,4,AA", "5,6,AA"},
		).Return(pipeline.FlushOutcome{Response: "$1.0,50% GOOD,0,0,0;"}).Once()

		for idx, raw := range []string{"1,2,AA", "3,4,AA"} {
			result, err := fixture.uut.ProcessMessage(utCtxt, raw)
			assert.Nil(err)
			assert.Equal(idx+1, result.Count)
			assert.Nil(result.Flush)
		}
		result, err := fixture.uut.ProcessMessage(utCtxt, "5,6,AA")
		assert.Nil(err)
		assert.NotNil(result.Flush)
		assert.Equal("$1.0,50% GOOD,0,0,0;", result.Response)
		assert.Equal(0, sessionCount(fixture.registry, "AA"))
		for _, summary := range fixture.registry.Snapshot() {
			if summary.DeviceID == "AA" {
				assert.Nil(summary.Deadline)
			}
		}
		fixture.pipeline.AssertNumberOfCalls(t, "Flush", 1)
	}

	// Case 1: malformed messages never create a session
	{
		_, err := fixture.uut.ProcessMessage(utCtxt, "1,2,")
		assert.ErrorIs(err, ErrMalformedMessage)
		assert.ElementsMatch([]string{"AA"}, fixture.registry.ListDeviceIDs())
	}

	// Case 2: timed out partial batch is dropped without a flush or response
	{
		watchdog, err := session.DefineWatchdog(
			fixture.registry, nil, time.Millisecond*100, fixture.clock.Now, nil,
		)
		assert.Nil(err)
		for _, raw := range []string{"1,2,BB", "3,4,BB"} {
			_, err := fixture.uut.ProcessMessage(utCtxt, raw)
			assert.Nil(err)
		}
		fixture.clock.Advance(time.Second * 11)
		report := watchdog.Sweep(fixture.clock.Now())
		assert.Equal(1, report.Dropped)
		assert.Equal(2, report.DroppedReadings)
		assert.Equal(0, sessionCount(fixture.registry, "BB"))
		fixture.pipeline.AssertNumberOfCalls(t, "Flush", 1)
		fixture.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	}

	fixture.pipeline.AssertExpectations(t)
}

func TestRouterQueuedProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(t, utCtxt, 5)
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()
	assert.Nil(fixture.processor.StartEventLoop(&wg))

	devices := []string{"AA", "BB", "CC", "DD", "EE", "FF"}
	flushed := make(chan []string, len(devices))
	for _, device := range devices {
		expected := make([]string, 5)
		for idx := range expected {
			expected[idx] = fmt.Sprintf("%d,%d,%s", idx, idx, device)
		}
		fixture.pipeline.On("Flush", mock.Anything, device, "/"+device, expected).
			Run(func(args mock.Arguments) {
				flushed <- args.Get(3).([]string)
			}).
			Return(pipeline.FlushOutcome{}).Once()
	}

	// Readings of every device interleaved, each device in order
	for idx := 0; idx < 5; idx++ {
		for _, device := range devices {
			assert.Nil(fixture.uut.SubmitMessage(
				utCtxt, "scanners", []byte(fmt.Sprintf("%d,%d,%s", idx, idx, device)),
			))
		}
	}

	for range devices {
		select {
		case batch := <-flushed:
			assert.Len(batch, 5)
		case <-time.After(5 * time.Second):
			assert.Fail("flush not observed")
			return
		}
	}
	fixture.pipeline.AssertExpectations(t)
}

func TestRouterSlowFlushIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	fixture := newRouterFixture(t, utCtxt, 2)
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()
	assert.Nil(fixture.processor.StartEventLoop(&wg))

	slowDevice := "AA:00"
	otherDevice := "BB:02"
	flushStarted := make(chan bool, 1)
	release := make(chan bool)
	fixture.pipeline.On(
		"Flush", mock.Anything, slowDevice, "/"+slowDevice, []string{"1,2," + slowDevice, "3,4," + slowDevice},
	).Run(func(args mock.Arguments) {
		flushStarted <- true
		<-release
	}).Return(pipeline.FlushOutcome{}).Once()

	// Case 0: the flush of one device is in progress
	assert.Nil(fixture.uut.SubmitMessage(utCtxt, "scanners", []byte("1,2,"+slowDevice)))
	assert.Nil(fixture.uut.SubmitMessage(utCtxt, "scanners", []byte("3,4,"+slowDevice)))
	select {
	case <-flushStarted:
	case <-time.After(time.Second * 5):
		assert.Fail("flush not started")
	}

	// Case 1: readings of another device are still appended
	assert.Nil(fixture.uut.SubmitMessage(utCtxt, "scanners", []byte("5,6,"+otherDevice)))
	assert.Eventually(func() bool {
		return sessionCount(fixture.registry, otherDevice) == 1
	}, time.Second*2, time.Millisecond*10)

	// Case 2: the slow flush completes, and its session is reset
	close(release)
	assert.Eventually(func() bool {
		return sessionCount(fixture.registry, slowDevice) == 0
	}, time.Second*2, time.Millisecond*10)
	fixture.pipeline.AssertExpectations(t)
}
