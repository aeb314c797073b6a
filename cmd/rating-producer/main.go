package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// RatingSubmission mirrors the consumer's message format
type RatingSubmission struct {
	UserID   string  `json:"user_id"`
	MatchID  string  `json:"match_id"`
	PlayerID string  `json:"player_id"`
	Score    float64 `json:"score"`
	Comment  string  `json:"comment,omitempty"`
	UserName string  `json:"user_name,omitempty"`
}

var userPrefixes = []string{
	"Rossonero", "Diavolo", "Curva", "Milanista", "Sempre", "Forza", "Casciavit", "Banter",
	"SanSiro", "Maldini", "Baresi", "Ultras", "Derby", "Scudetto", "Champions", "Meazza",
}

var comments = []string{
	"", "", "", "immense tonight", "not his night", "ran the midfield",
	"kept us in it", "needs to shoot earlier", "class on the ball",
	"solid at the back", "gave the ball away too much", "what a strike",
}

func userName(idx int) string {
	prefixIdx := idx % len(userPrefixes)
	suffix := idx/len(userPrefixes) + 1
	return fmt.Sprintf("%s%d", userPrefixes[prefixIdx], suffix)
}

// randomScore picks a value on the half-point grid between 1.0 and 10.0,
// biased toward the middle of the range.
func randomScore() float64 {
	steps := rand.Intn(10) + rand.Intn(10)
	return 1.0 + float64(steps)*0.5
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "rating-submissions", "Kafka topic")
	matchID := flag.String("match", "", "Match ID to rate (required)")
	players := flag.String("players", "", "Player IDs to rate (comma-separated, required)")
	totalUsers := flag.Int("users", 500, "Number of distinct raters")
	updatesPerSecond := flag.Int("rate", 50, "Submissions per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *matchID == "" || *players == "" {
		log.Fatal("both -match and -players are required")
	}

	brokerList := strings.Split(*brokers, ",")
	playerList := strings.Split(*players, ",")

	fmt.Println("Rating producer")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Match:        %s\n", *matchID)
	fmt.Printf("  Players:      %d\n", len(playerList))
	fmt.Printf("  Users:        %d\n", *totalUsers)
	fmt.Printf("  Rate:         %d/sec\n", *updatesPerSecond)
	fmt.Println()

	// Stable per-user IDs so repeated runs overwrite instead of piling up
	userIDs := make([]string, *totalUsers)
	for i := range userIDs {
		userIDs[i] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(userName(i))).String()
	}

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	// Handle producer errors and successes
	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	sendMessage := func(submission RatingSubmission) {
		data, err := json.Marshal(submission)
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			// Key by match so one partition sees a match's ratings in order
			Key:   sarama.StringEncoder(submission.MatchID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
			return
		}
	}

	shutdown := func() {
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	fmt.Printf("Submitting ratings (%d/sec), press Ctrl+C to stop\n\n", *updatesPerSecond)

	interval := time.Second / time.Duration(*updatesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var submitted int64

	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nShutting down...")
			shutdown()
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				fmt.Println("\n\nDuration reached, shutting down...")
				shutdown()
				return
			}

			userIdx := rand.Intn(*totalUsers)
			submission := RatingSubmission{
				UserID:   userIDs[userIdx],
				MatchID:  *matchID,
				PlayerID: playerList[rand.Intn(len(playerList))],
				Score:    randomScore(),
				Comment:  comments[rand.Intn(len(comments))],
				UserName: userName(userIdx),
			}
			sendMessage(submission)
			atomic.AddInt64(&submitted, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Submitted: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&submitted),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
