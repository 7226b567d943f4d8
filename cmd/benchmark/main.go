package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/config"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/ingest"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Config holds the benchmark settings
var (
	targetURL   string
	brokers     string
	topicPrefix string
	network     string
	token       string
	orders      int
	payments    int
	duplicates  int
	concurrency int
	timeout     time.Duration
)

// Metrics
var (
	published  uint64
	publishErr uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&brokers, "brokers", "localhost:9092", "Comma separated Kafka brokers")
	flag.StringVar(&topicPrefix, "topic-prefix", "settlement.", "Notification topic prefix")
	flag.StringVar(&network, "network", "ethereum:1", "Network the orders are paid on")
	flag.StringVar(&token, "token", "0x0000000000000000000000000000000000000bench", "Token contract address")
	flag.IntVar(&orders, "orders", 100, "Number of payment orders")
	flag.IntVar(&payments, "payments", 2, "Partial payments per order")
	flag.IntVar(&duplicates, "duplicates", 3, "Deliveries of every notification")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent publishers")
	flag.DurationVar(&timeout, "timeout", 2*time.Minute, "How long to wait for orders to be paid")
}

type order struct {
	ID         uuid.UUID
	Identifier string
}

func main() {
	flag.Parse()
	if payments < 1 || duplicates < 1 || concurrency < 1 {
		log.Fatal("payments, duplicates and workers must be positive")
	}
	log.Printf("Starting Benchmark: %s | Orders: %d x %d payments | Duplicates: %d | Workers: %d",
		network, orders, payments, duplicates, concurrency)
	client := &http.Client{Timeout: 5 * time.Second}
	currency := domain.Currency{Network: network, Address: token, Decimals: 6, Symbol: "BENCH"}

	// 1. Orders
	created := make([]order, 0, orders)
	for i := 0; i < orders; i++ {
		o, err := createOrder(client, currency, i)
		if err != nil {
			log.Fatalf("Create order: %v", err)
		}
		created = append(created, o)
	}

	// 2. Notifications, each published several times in random order
	var msgs []kafka.Message
	for _, o := range created {
		for p := 0; p < payments; p++ {
			n := ingest.FromMined(domain.Mined{
				Network:     network,
				Destination: o.Identifier,
				Amount:      domain.TokenAmount{Currency: currency, Amount: decimal.NewFromInt(int64(100 / payments))},
				ExternalRef: fmt.Sprintf("0x%s-%d", o.ID, p),
				BlockRef:    "0xbench",
				BlockNumber: 1,
				Depth:       1 << 20,
				MinedAt:     time.Now().UTC(),
			})
			value, _ := json.Marshal(n)
			for d := 0; d < duplicates; d++ {
				msgs = append(msgs, kafka.Message{Key: []byte(n.Key()), Value: value})
			}
		}
	}
	rand.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })

	cfg := config.Config{KafkaTopicPrefix: topicPrefix}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        cfg.Topic(network),
		RequiredAcks: kafka.RequireAll,
		Balancer:     &kafka.Hash{},
	}
	defer writer.Close()

	start := time.Now()
	publish(writer, msgs)
	publishTime := time.Since(start)

	// 3. Wait for every order to be paid
	paid := waitPaid(client, created, start.Add(timeout))
	printResults(publishTime, time.Since(start), paid, len(created))
}

func createOrder(client *http.Client, c domain.Currency, i int) (order, error) {
	body, _ := json.Marshal(map[string]any{"ref": fmt.Sprintf("bench-%d", i)})
	resp, err := client.Post(targetURL+"/api/v1/accounts", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return order{}, err
	}
	var acc domain.Account
	err = json.NewDecoder(resp.Body).Decode(&acc)
	resp.Body.Close()
	if err != nil {
		return order{}, err
	}

	body, _ = json.Marshal(map[string]any{
		"requester_id": acc.ID,
		"amount":       domain.TokenAmount{Currency: c, Amount: decimal.NewFromInt(100 - 100%int64(payments))},
		"reference":    fmt.Sprintf("bench-%d", i),
		"networks":     []string{network},
	})
	resp, err = client.Post(targetURL+"/api/v1/orders", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return order{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return order{}, fmt.Errorf("create order: status %d", resp.StatusCode)
	}
	var out struct {
		Order  domain.PaymentOrder `json:"order"`
		Routes []domain.Route      `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return order{}, err
	}
	return order{ID: out.Order.ID, Identifier: out.Routes[0].Identifier}, nil
}

func publish(w *kafka.Writer, msgs []kafka.Message) {
	var wg sync.WaitGroup
	batches := make(chan []kafka.Message)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				if err := w.WriteMessages(context.Background(), batch...); err != nil {
					atomic.AddUint64(&publishErr, uint64(len(batch)))
					continue
				}
				atomic.AddUint64(&published, uint64(len(batch)))
			}
		}()
	}
	const batchSize = 50
	for i := 0; i < len(msgs); i += batchSize {
		batches <- msgs[i:min(i+batchSize, len(msgs))]
	}
	close(batches)
	wg.Wait()
}

func waitPaid(client *http.Client, created []order, deadline time.Time) int {
	pending := created
	for len(pending) > 0 && time.Now().Before(deadline) {
		var still []order
		for _, o := range pending {
			if !isPaid(client, o.ID) {
				still = append(still, o)
			}
		}
		pending = still
		if len(pending) > 0 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	return len(created) - len(pending)
}

func isPaid(client *http.Client, id uuid.UUID) bool {
	resp, err := client.Get(targetURL + "/api/v1/orders/" + id.String())
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	var view struct {
		Status        domain.OrderStatus `json:"status"`
		Confirmations []json.RawMessage  `json:"confirmations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return false
	}
	if len(view.Confirmations) > payments {
		log.Printf("Order %s confirmed %d payments, expected %d", id, len(view.Confirmations), payments)
	}
	return view.Status == domain.OrderPaid
}

func printResults(publishTime, total time.Duration, paid, orders int) {
	sent := atomic.LoadUint64(&published)
	results := map[string]interface{}{
		"network":              network,
		"orders":               orders,
		"orders_paid":          paid,
		"notifications_sent":   sent,
		"publish_errors":       atomic.LoadUint64(&publishErr),
		"duplicates_per_event": duplicates,
		"publish_sec":          publishTime.Seconds(),
		"settle_sec":           total.Seconds(),
		"throughput_msgs_sec":  float64(sent) / total.Seconds(),
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", strings.NewReplacer(":", "-").Replace(network))
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
