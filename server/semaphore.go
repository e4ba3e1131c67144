/*-
 * Copyright 2018 Square Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

// semaphore is the part of *semaphore.Weighted the server uses.
type semaphore interface {
	TryAcquire(n int64) bool
	Release(n int64)
}

type unlimitedSemaphore struct{}

func (unlimitedSemaphore) TryAcquire(n int64) bool { return true }

func (unlimitedSemaphore) Release(n int64) {}
