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

package dirauth

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// maxSRVAttempts bounds the connection attempts of one dial.
const maxSRVAttempts = 10

// lookupSRV is replaced in tests.
var lookupSRV = net.DefaultResolver.LookupSRV

var (
	srvRandMu sync.Mutex
	srvRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// dialSRV discovers directory servers from the _ldap._tcp records of
// Config.SRVDomain and connects to one of them, failing over to the
// remaining targets.
func (a *Authenticator) dialSRV(ctx context.Context) (Conn, error) {
	_, records, err := lookupSRV(ctx, "ldap", "tcp", a.config.SRVDomain)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for _ldap._tcp.%s failed: %w", a.config.SRVDomain, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no SRV records found for _ldap._tcp.%s", a.config.SRVDomain)
	}

	failed := map[string]bool{}
	var lastErr error
	for attempt := 0; attempt < maxSRVAttempts; attempt++ {
		available := withoutFailed(records, failed)
		if len(available) == 0 {
			break
		}
		srvRandMu.Lock()
		selected, err := selectSRV(available, srvRand)
		srvRandMu.Unlock()
		if err != nil {
			return nil, err
		}

		target := srvTarget(selected)
		conn, err := a.dialTarget(ctx, "ldap://"+target)
		if err == nil {
			return conn, nil
		}
		failed[target] = true
		lastErr = err
		a.logf("%s: directory server %s unavailable: %s", a.config.Name, target, err)
	}
	return nil, fmt.Errorf("no directory server in _ldap._tcp.%s reachable: %w", a.config.SRVDomain, lastErr)
}

func srvTarget(record *net.SRV) string {
	host := record.Target
	if n := len(host); n > 1 && host[n-1] == '.' {
		host = host[:n-1]
	}
	return net.JoinHostPort(host, strconv.Itoa(int(record.Port)))
}

func withoutFailed(records []*net.SRV, failed map[string]bool) []*net.SRV {
	var available []*net.SRV
	for _, record := range records {
		if !failed[srvTarget(record)] {
			available = append(available, record)
		}
	}
	return available
}

// selectSRV picks a record following RFC 2782: the lowest priority value
// wins and records within it are chosen at random by weight. If all weights
// are zero every record is equally likely.
func selectSRV(records []*net.SRV, rng *rand.Rand) (*net.SRV, error) {
	if len(records) == 0 {
		return nil, errors.New("no SRV records provided")
	}
	if len(records) == 1 {
		return records[0], nil
	}

	sorted := make([]*net.SRV, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	group := sorted[:1]
	for _, record := range sorted[1:] {
		if record.Priority != sorted[0].Priority {
			break
		}
		group = append(group, record)
	}
	return selectByWeight(group, rng), nil
}

func selectByWeight(records []*net.SRV, rng *rand.Rand) *net.SRV {
	if len(records) == 1 {
		return records[0]
	}
	total := 0
	for _, record := range records {
		total += int(record.Weight)
	}
	if total == 0 {
		return records[rng.Intn(len(records))]
	}

	pick := rng.Intn(total)
	accumulated := 0
	for _, record := range records {
		accumulated += int(record.Weight)
		if accumulated > pick {
			return record
		}
	}
	return records[len(records)-1]
}
