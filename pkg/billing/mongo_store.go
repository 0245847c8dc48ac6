package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const subscriptionsCollection = "subscriptions"

// MongoStore persists subscriptions in a MongoDB collection. Every write is a
// single-document operation, which is all the engine's idempotency model
// needs; the unique index on external_subscription_id makes upserts safe
// under concurrent webhook deliveries.
type MongoStore struct {
	col *mongo.Collection
}

// NewMongoStore creates a store over db's subscriptions collection.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{col: db.Collection(subscriptionsCollection)}
}

// EnsureIndexes creates the indexes the store's queries rely on. Safe to call
// on every startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "external_subscription_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "external_customer_id", Value: 1}},
		},
	})
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

// subscriptionDoc is the BSON shape of a subscription row. UUIDs are stored
// as strings so documents stay readable in shell tooling.
type subscriptionDoc struct {
	ID                     string     `bson:"_id"`
	OwnerID                string     `bson:"owner_id"`
	ExternalSubscriptionID string     `bson:"external_subscription_id"`
	ExternalCustomerID     string     `bson:"external_customer_id"`
	Status                 string     `bson:"status"`
	CancelAtPeriodEnd      bool       `bson:"cancel_at_period_end"`
	CurrentPeriodStart     time.Time  `bson:"current_period_start"`
	CurrentPeriodEnd       time.Time  `bson:"current_period_end"`
	PriceID                string     `bson:"price_id"`
	Amount                 int64      `bson:"amount"`
	Currency               string     `bson:"currency"`
	PaymentMethodID        string     `bson:"payment_method_id,omitempty"`
	IsSpecialOffer         bool       `bson:"is_special_offer"`
	OfferStatus            string     `bson:"offer_status"`
	OfferCouponID          string     `bson:"offer_coupon_id,omitempty"`
	OfferPercentOff        float64    `bson:"offer_percent_off,omitempty"`
	OfferAmountOff         int64      `bson:"offer_amount_off,omitempty"`
	OfferDiscountStart     *time.Time `bson:"offer_discount_start,omitempty"`
	OfferDiscountEnd       *time.Time `bson:"offer_discount_end,omitempty"`
	LastPaymentAt          *time.Time `bson:"last_payment_at,omitempty"`
	CreatedAt              time.Time  `bson:"created_at"`
	UpdatedAt              time.Time  `bson:"updated_at"`
}

func toDoc(sub *Subscription) *subscriptionDoc {
	return &subscriptionDoc{
		ID:                     sub.ID.String(),
		OwnerID:                sub.OwnerID.String(),
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		ExternalCustomerID:     sub.ExternalCustomerID,
		Status:                 string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		PriceID:                sub.PriceID,
		Amount:                 sub.Amount,
		Currency:               sub.Currency,
		PaymentMethodID:        sub.PaymentMethodID,
		IsSpecialOffer:         sub.IsSpecialOffer,
		OfferStatus:            string(sub.OfferStatus),
		OfferCouponID:          sub.OfferCouponID,
		OfferPercentOff:        sub.OfferPercentOff,
		OfferAmountOff:         sub.OfferAmountOff,
		OfferDiscountStart:     sub.OfferDiscountStart,
		OfferDiscountEnd:       sub.OfferDiscountEnd,
		LastPaymentAt:          sub.LastPaymentAt,
		CreatedAt:              sub.CreatedAt,
		UpdatedAt:              sub.UpdatedAt,
	}
}

func fromDoc(doc *subscriptionDoc) (*Subscription, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	ownerID, err := uuid.Parse(doc.OwnerID)
	if err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	return &Subscription{
		ID:                     id,
		OwnerID:                ownerID,
		ExternalSubscriptionID: doc.ExternalSubscriptionID,
		ExternalCustomerID:     doc.ExternalCustomerID,
		Status:                 Status(doc.Status),
		CancelAtPeriodEnd:      doc.CancelAtPeriodEnd,
		CurrentPeriodStart:     doc.CurrentPeriodStart,
		CurrentPeriodEnd:       doc.CurrentPeriodEnd,
		PriceID:                doc.PriceID,
		Amount:                 doc.Amount,
		Currency:               doc.Currency,
		PaymentMethodID:        doc.PaymentMethodID,
		IsSpecialOffer:         doc.IsSpecialOffer,
		OfferStatus:            OfferStatus(doc.OfferStatus),
		OfferCouponID:          doc.OfferCouponID,
		OfferPercentOff:        doc.OfferPercentOff,
		OfferAmountOff:         doc.OfferAmountOff,
		OfferDiscountStart:     doc.OfferDiscountStart,
		OfferDiscountEnd:       doc.OfferDiscountEnd,
		LastPaymentAt:          doc.LastPaymentAt,
		CreatedAt:              doc.CreatedAt,
		UpdatedAt:              doc.UpdatedAt,
	}, nil
}

func (s *MongoStore) Insert(ctx context.Context, sub *Subscription) error {
	if _, err := s.col.InsertOne(ctx, toDoc(sub)); err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

func (s *MongoStore) UpsertByExternalID(ctx context.Context, sub *Subscription) error {
	filter := bson.D{{Key: "external_subscription_id", Value: sub.ExternalSubscriptionID}}
	_, err := s.col.ReplaceOne(ctx, filter, toDoc(sub), options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

func (s *MongoStore) ApplyByExternalID(ctx context.Context, externalID string, update SubscriptionUpdate) error {
	set := bson.D{{Key: "updated_at", Value: update.UpdatedAt}}
	if update.Status != nil {
		set = append(set, bson.E{Key: "status", Value: string(*update.Status)})
	}
	if update.CancelAtPeriodEnd != nil {
		set = append(set, bson.E{Key: "cancel_at_period_end", Value: *update.CancelAtPeriodEnd})
	}
	if update.CurrentPeriodStart != nil {
		set = append(set, bson.E{Key: "current_period_start", Value: *update.CurrentPeriodStart})
	}
	if update.CurrentPeriodEnd != nil {
		set = append(set, bson.E{Key: "current_period_end", Value: *update.CurrentPeriodEnd})
	}
	if update.PriceID != nil {
		set = append(set, bson.E{Key: "price_id", Value: *update.PriceID})
	}
	if update.PaymentMethodID != nil {
		set = append(set, bson.E{Key: "payment_method_id", Value: *update.PaymentMethodID})
	}
	if update.OfferStatus != nil {
		set = append(set, bson.E{Key: "offer_status", Value: string(*update.OfferStatus)})
	}
	if update.LastPaymentAt != nil {
		set = append(set, bson.E{Key: "last_payment_at", Value: *update.LastPaymentAt})
	}

	filter := bson.D{{Key: "external_subscription_id", Value: externalID}}
	res, err := s.col.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	if res.MatchedCount == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (s *MongoStore) ByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return s.findOne(ctx, bson.D{{Key: "external_subscription_id", Value: externalID}}, nil)
}

func (s *MongoStore) LatestByOwner(ctx context.Context, ownerID uuid.UUID) (*Subscription, error) {
	return s.findOne(ctx,
		bson.D{{Key: "owner_id", Value: ownerID.String()}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
}

func (s *MongoStore) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]Subscription, error) {
	cursor, err := s.col.Find(ctx,
		bson.D{{Key: "owner_id", Value: ownerID.String()}},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	defer cursor.Close(ctx)

	var subs []Subscription
	for cursor.Next(ctx) {
		var doc subscriptionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Join(ErrStoreWrite, err)
		}
		sub, err := fromDoc(&doc)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	return subs, nil
}

func (s *MongoStore) OwnerByExternalCustomerID(ctx context.Context, externalCustomerID string) (uuid.UUID, error) {
	sub, err := s.findOne(ctx,
		bson.D{{Key: "external_customer_id", Value: externalCustomerID}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return uuid.Nil, err
	}
	return sub.OwnerID, nil
}

// StatusCounts groups each owner's newest row by status. Offer pseudo-rows
// are excluded so the numbers reflect real subscriptions only.
func (s *MongoStore) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "is_special_offer", Value: false}}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$owner_id"},
			{Key: "status", Value: bson.D{{Key: "$first", Value: "$status"}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := s.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	defer cursor.Close(ctx)

	counts := make(map[Status]int64)
	for cursor.Next(ctx) {
		var row struct {
			Status string `bson:"_id"`
			Count  int64  `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, errors.Join(ErrStoreWrite, err)
		}
		counts[Status(row.Status)] = row.Count
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Join(ErrStoreWrite, err)
	}
	return counts, nil
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.D, opts *options.FindOneOptionsBuilder) (*Subscription, error) {
	var doc subscriptionDoc

	res := s.col.FindOne(ctx, filter)
	if opts != nil {
		res = s.col.FindOne(ctx, filter, opts)
	}
	if err := res.Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, errors.Join(ErrStoreWrite, err)
	}
	return fromDoc(&doc)
}
