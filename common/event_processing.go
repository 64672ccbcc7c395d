// Copyright 2021-2022 The fruitscan Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
)

// TaskHandler a handler function which execute a task based on parameters
type TaskHandler func(taskParam interface{}) error

// KeyedTask a task parameter which must always be processed by the same worker
// as every other task sharing its key
type KeyedTask interface {
	TaskKey() string
}

// TaskProcessor processing module for implementing an event loop model
type TaskProcessor interface {
	Submit(ctxt context.Context, newTaskParam interface{}) error
	ProcessNewTaskParam(newTaskParam interface{}) error
	SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error
	AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error
	StartEventLoop(wg *sync.WaitGroup) error
	StopEventLoop() error
}

// taskProcessorImpl implement TaskProcessor
type taskProcessorImpl struct {
	Component
	name         string
	operationCtx context.Context
	stop         context.CancelFunc
	newTasks     chan interface{}
	mapLock      sync.RWMutex
	executionMap map[reflect.Type]TaskHandler
}

// GetNewTaskProcessorInstance get instance of TaskProcessor
func GetNewTaskProcessorInstance(
	name string, taskBuffer int, ctxt context.Context,
) (TaskProcessor, error) {
	logTags := log.Fields{
		"module": "common", "component": "task-processor", "instance": name,
	}
	opCtxt, cancel := context.WithCancel(ctxt)
	return &taskProcessorImpl{
		Component:    Component{LogTags: logTags},
		name:         name,
		operationCtx: opCtxt,
		stop:         cancel,
		newTasks:     make(chan interface{}, taskBuffer),
		executionMap: make(map[reflect.Type]TaskHandler),
	}, nil
}

// Submit submit a new task parameter for processing. Blocks while the task buffer is full.
func (p *taskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	select {
	case p.newTasks <- newTaskParam:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-p.operationCtx.Done():
		return fmt.Errorf("[TP %s] event loop stopped", p.name)
	}
}

// SetTaskExecutionMap update the task param to execution mapping
func (p *taskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	log.WithFields(p.LogTags).Debug("Changing task execution mapping")
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap = newMap
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *taskProcessorImpl) AddToTaskExecutionMap(theType reflect.Type, handler TaskHandler) error {
	log.WithFields(p.LogTags).Debugf("Appending to task execution mapping for %s", theType)
	p.mapLock.Lock()
	defer p.mapLock.Unlock()
	p.executionMap[theType] = handler
	return nil
}

// StopEventLoop stop the task param processing event loop
func (p *taskProcessorImpl) StopEventLoop() error {
	log.WithFields(p.LogTags).Info("Stopping event loop")
	p.stop()
	return nil
}

// ProcessNewTaskParam process a new task param
func (p *taskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	p.mapLock.RLock()
	theHandler, ok := p.executionMap[reflect.TypeOf(newTaskParam)]
	mapSize := len(p.executionMap)
	p.mapLock.RUnlock()
	if mapSize == 0 {
		return fmt.Errorf("[TP %s] No task execution mapping set", p.name)
	}
	if !ok {
		return fmt.Errorf(
			"[TP %s] No matching handler found for %s", p.name, reflect.TypeOf(newTaskParam),
		)
	}
	return theHandler(newTaskParam)
}

// StartEventLoop start the event loop
func (p *taskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	log.WithFields(p.LogTags).Info("Starting event loop")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(p.LogTags).Info("Event loop exiting")
		for {
			select {
			case <-p.operationCtx.Done():
				return
			case newTaskParam, ok := <-p.newTasks:
				if !ok {
					log.WithFields(p.LogTags).Error(
						"Event loop terminating. Failed to read new task param",
					)
					return
				}
				if err := p.ProcessNewTaskParam(newTaskParam); err != nil {
					log.WithError(err).WithFields(p.LogTags).Error("Failed to process new task param")
				}
			}
		}
	}()
	return nil
}

// ==============================================================================

// keyedTaskProcessorImpl implement TaskProcessor with one serial worker per task key.
//
// A KeyedTask is always routed to the worker owning its key, so tasks sharing a key
// are processed serially in submission order, while a slow task never delays the
// tasks of another key. Workers are created on the first task of a key. Tasks
// without a key go to a shared worker.
type keyedTaskProcessorImpl struct {
	Component
	name         string
	taskBuffer   int
	rootCtxt     context.Context
	lock         sync.Mutex
	executionMap map[reflect.Type]TaskHandler
	shared       TaskProcessor
	workers      map[string]TaskProcessor
	wg           *sync.WaitGroup
}

// GetNewKeyedTaskProcessorInstance get instance of the keyed TaskProcessor
func GetNewKeyedTaskProcessorInstance(
	name string, taskBuffer int, ctxt context.Context,
) (TaskProcessor, error) {
	if taskBuffer < 1 {
		return nil, fmt.Errorf("[KTP %s] task buffer must be at least 1", name)
	}
	shared, err := GetNewTaskProcessorInstance(fmt.Sprintf("%s.shared", name), taskBuffer, ctxt)
	if err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "common", "component": "keyed-task-processor", "instance": name,
	}
	return &keyedTaskProcessorImpl{
		Component:    Component{LogTags: logTags},
		name:         name,
		taskBuffer:   taskBuffer,
		rootCtxt:     ctxt,
		executionMap: make(map[reflect.Type]TaskHandler),
		shared:       shared,
		workers:      make(map[string]TaskProcessor),
	}, nil
}

// copyExecutionMap each worker holds its own copy of the execution map
func (p *keyedTaskProcessorImpl) copyExecutionMap() map[reflect.Type]TaskHandler {
	result := make(map[reflect.Type]TaskHandler, len(p.executionMap))
	for k, v := range p.executionMap {
		result[k] = v
	}
	return result
}

// workerFor select the worker for a task param, defining the worker of a new key
func (p *keyedTaskProcessorImpl) workerFor(newTaskParam interface{}) (TaskProcessor, error) {
	keyed, ok := newTaskParam.(KeyedTask)
	if !ok {
		return p.shared, nil
	}
	key := keyed.TaskKey()
	p.lock.Lock()
	defer p.lock.Unlock()
	if worker, ok := p.workers[key]; ok {
		return worker, nil
	}
	worker, err := GetNewTaskProcessorInstance(
		fmt.Sprintf("%s.%s", p.name, key), p.taskBuffer, p.rootCtxt,
	)
	if err != nil {
		return nil, err
	}
	if err := worker.SetTaskExecutionMap(p.copyExecutionMap()); err != nil {
		return nil, err
	}
	if p.wg != nil {
		if err := worker.StartEventLoop(p.wg); err != nil {
			return nil, err
		}
	}
	p.workers[key] = worker
	log.WithFields(p.LogTags).Debugf("Defined worker for %s", key)
	return worker, nil
}

// Submit submit a new task parameter to the worker owning its key
func (p *keyedTaskProcessorImpl) Submit(ctxt context.Context, newTaskParam interface{}) error {
	worker, err := p.workerFor(newTaskParam)
	if err != nil {
		return err
	}
	return worker.Submit(ctxt, newTaskParam)
}

// ProcessNewTaskParam process a task param directly with the handlers of the workers
func (p *keyedTaskProcessorImpl) ProcessNewTaskParam(newTaskParam interface{}) error {
	return p.shared.ProcessNewTaskParam(newTaskParam)
}

// SetTaskExecutionMap update the task execution map for all workers
func (p *keyedTaskProcessorImpl) SetTaskExecutionMap(newMap map[reflect.Type]TaskHandler) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap = make(map[reflect.Type]TaskHandler, len(newMap))
	for k, v := range newMap {
		p.executionMap[k] = v
	}
	if err := p.shared.SetTaskExecutionMap(p.copyExecutionMap()); err != nil {
		return err
	}
	for _, worker := range p.workers {
		if err := worker.SetTaskExecutionMap(p.copyExecutionMap()); err != nil {
			return err
		}
	}
	return nil
}

// AddToTaskExecutionMap add a new entry to the task param to execution mapping
func (p *keyedTaskProcessorImpl) AddToTaskExecutionMap(
	theType reflect.Type, handler TaskHandler,
) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.executionMap[theType] = handler
	if err := p.shared.AddToTaskExecutionMap(theType, handler); err != nil {
		return err
	}
	for _, worker := range p.workers {
		if err := worker.AddToTaskExecutionMap(theType, handler); err != nil {
			return err
		}
	}
	return nil
}

// StartEventLoop start the event loop of every worker. Workers defined later start
// on creation.
func (p *keyedTaskProcessorImpl) StartEventLoop(wg *sync.WaitGroup) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.wg != nil {
		return fmt.Errorf("[KTP %s] event loops already started", p.name)
	}
	p.wg = wg
	log.WithFields(p.LogTags).Infof("Starting %d worker event loops", len(p.workers)+1)
	if err := p.shared.StartEventLoop(wg); err != nil {
		return err
	}
	for _, worker := range p.workers {
		if err := worker.StartEventLoop(wg); err != nil {
			return err
		}
	}
	return nil
}

// StopEventLoop stop the worker event loops
func (p *keyedTaskProcessorImpl) StopEventLoop() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	log.WithFields(p.LogTags).Info("Stopping event loops")
	_ = p.shared.StopEventLoop()
	for _, worker := range p.workers {
		_ = worker.StopEventLoop()
	}
	return nil
}
