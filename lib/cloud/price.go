// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// ErrNoPriceHistory is returned by CurrentSpotPrice when the cloud
// has no recent price data for the requested instance type.
var ErrNoPriceHistory = errors.New("no spot price history")

// NormalizePriceHistory de-duplicates and sorts instance prices, most
// recent first.
//
// The provided slice is modified in place.
func NormalizePriceHistory(prices []InstancePrice) []InstancePrice {
	// sort by timestamp, newest first
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].StartTime.After(prices[j].StartTime)
	})
	// remove duplicate data points, keeping the oldest
	for i := 0; i < len(prices)-1; i++ {
		if prices[i].StartTime == prices[i+1].StartTime || prices[i].Price == prices[i+1].Price {
			prices = append(prices[:i], prices[i+1:]...)
			i--
		}
	}
	return prices
}

// SpotPriceHistory returns the Linux/UNIX spot price history of the
// given instance type since the given time, most recent first. If
// zone is empty, prices from all zones are merged.
func SpotPriceHistory(ctx context.Context, api EC2API, instanceType, zone string, since time.Time) ([]InstancePrice, error) {
	input := &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []types.InstanceType{types.InstanceType(instanceType)},
		ProductDescriptions: []string{"Linux/UNIX"},
		StartTime:           aws.Time(since),
	}
	if zone != "" {
		input.AvailabilityZone = aws.String(zone)
	}
	var prices []InstancePrice
	pager := ec2.NewDescribeSpotPriceHistoryPaginator(api, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error retrieving spot price history: %w", err)
		}
		for _, sp := range page.SpotPriceHistory {
			if sp.SpotPrice == nil || sp.Timestamp == nil {
				continue
			}
			price, err := strconv.ParseFloat(*sp.SpotPrice, 64)
			if err != nil {
				continue
			}
			prices = append(prices, InstancePrice{StartTime: *sp.Timestamp, Price: price})
		}
	}
	return NormalizePriceHistory(prices), nil
}

// CurrentSpotPrice returns the most recent spot price of the given
// instance type, looking back one day.
func CurrentSpotPrice(ctx context.Context, api EC2API, instanceType, zone string) (InstancePrice, error) {
	prices, err := SpotPriceHistory(ctx, api, instanceType, zone, time.Now().Add(-24*time.Hour))
	if err != nil {
		return InstancePrice{}, err
	}
	if len(prices) == 0 {
		return InstancePrice{}, ErrNoPriceHistory
	}
	return prices[0], nil
}
